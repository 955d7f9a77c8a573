package task

import (
	"fmt"

	"github.com/reapack/reapack-core/internal/receipt"
	"github.com/reapack/reapack-core/internal/registry"
)

// PinTask flips an installed entry's pin flag without touching its
// files. The flag is carried over when the entry is upgraded; it does
// not stop Synchronize from upgrading the entry.
type PinTask struct {
	ctx   *Context
	Entry *registry.Entry
	Pin   bool

	savepoint string
	spOpen    bool
}

// NewPinTask constructs a PinTask.
func NewPinTask(ctx *Context, entry *registry.Entry, pin bool) *PinTask {
	return &PinTask{ctx: ctx, Entry: entry, Pin: pin}
}

// Start opens the task's savepoint. The pin flag itself is written in
// Commit, matching every other task's convention of deferring writes
// visible outside the task until commit time.
func (t *PinTask) Start() error {
	sp, err := t.ctx.Registry.Savepoint()
	if err != nil {
		return fmt.Errorf("task: pin %s: %w", t.Entry.FullName(), err)
	}
	t.savepoint = sp
	t.spOpen = true
	return nil
}

// Failed is always false: pinning has no asynchronous staging phase.
func (t *PinTask) Failed() bool { return false }

// Commit writes the pin flag and records a pin/unpin ticket.
func (t *PinTask) Commit() error {
	if err := t.ctx.Registry.SetPinned(t.Entry.ID, t.Pin); err != nil {
		return fmt.Errorf("task: pin %s: %w", t.Entry.FullName(), err)
	}

	ticketType := receipt.TicketPin
	if !t.Pin {
		ticketType = receipt.TicketUnpin
	}
	t.ctx.Receipt.AddTicket(receipt.Ticket{
		Type:       ticketType,
		FullName:   t.Entry.FullName(),
		NewVersion: t.Entry.Version,
	})

	t.spOpen = false
	return t.ctx.Registry.Commit(t.savepoint)
}

// Rollback discards the pin change.
func (t *PinTask) Rollback() error {
	if !t.spOpen {
		return nil
	}
	t.spOpen = false
	return t.ctx.Registry.Restore(t.savepoint)
}
