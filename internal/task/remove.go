package task

import (
	"fmt"

	"github.com/reapack/reapack-core/internal/hostapi"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/receipt"
	"github.com/reapack/reapack-core/internal/registry"
)

// RemoveTask uninstalls an already-installed package: forgetting it in
// the registry immediately (so a conflicting package can take over its
// paths within the same transaction) and deleting its files once the
// transaction commits.
type RemoveTask struct {
	ctx   *Context
	Entry *registry.Entry

	savepoint string
	spOpen    bool
	files     []*registry.File
}

// NewRemoveTask constructs a RemoveTask for an installed entry.
func NewRemoveTask(ctx *Context, entry *registry.Entry) *RemoveTask {
	return &RemoveTask{ctx: ctx, Entry: entry}
}

// Start captures the entry's owned files, then forgets it in the
// registry so its paths are free for a conflicting install in the same
// transaction to claim.
func (t *RemoveTask) Start() error {
	files, err := t.ctx.Registry.GetFiles(t.Entry.ID)
	if err != nil {
		return fmt.Errorf("task: remove %s: load files: %w", t.Entry.FullName(), err)
	}
	t.files = files

	sp, err := t.ctx.Registry.Savepoint()
	if err != nil {
		return fmt.Errorf("task: remove %s: %w", t.Entry.FullName(), err)
	}
	t.savepoint = sp
	t.spOpen = true

	if err := t.ctx.Registry.Forget(t.Entry.ID); err != nil {
		_ = t.ctx.Registry.Restore(sp)
		t.spOpen = false
		return fmt.Errorf("task: remove %s: %w", t.Entry.FullName(), err)
	}
	return nil
}

// Failed is always false: a removal has no asynchronous staging phase
// that can fail after Start returns.
func (t *RemoveTask) Failed() bool { return false }

// Commit deletes every file the entry owned, records a removal ticket,
// and releases the task's savepoint.
func (t *RemoveTask) Commit() error {
	for _, f := range t.files {
		if !t.ctx.Root.Exists(f.Path) {
			continue
		}
		if err := t.ctx.Root.RemoveRecursive(f.Path); err != nil {
			t.ctx.Receipt.AddError(receipt.Error{Title: f.Path, Message: err.Error()})
			continue
		}
		t.ctx.Receipt.AddRemoval(f.Path)
	}

	t.ctx.Receipt.AddTicket(receipt.Ticket{
		Type:       receipt.TicketRemove,
		FullName:   t.Entry.FullName(),
		OldVersion: t.Entry.Version,
	})

	if t.ctx.HostTickets != nil && t.Entry.Type == index.TypeScript {
		ticket := hostapi.Ticket{Add: false, Remote: t.Entry.Remote, Category: t.Entry.Category, IsScript: true}
		for _, f := range t.files {
			if f.IsMain {
				ticket.MainFile = f.Path
				ticket.HasMain = true
				break
			}
		}
		if !ticket.HasMain && len(t.files) == 1 {
			ticket.MainFile = t.files[0].Path
			ticket.HasMain = true
		}
		t.ctx.HostTickets.Add(ticket)
	}

	t.spOpen = false
	return t.ctx.Registry.Commit(t.savepoint)
}

// Rollback re-registers the entry and its files, undoing Start's
// Forget.
func (t *RemoveTask) Rollback() error {
	if !t.spOpen {
		return nil
	}
	t.spOpen = false
	return t.ctx.Registry.Restore(t.savepoint)
}
