package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/reapack/reapack-core/internal/downloadpool"
	"github.com/reapack/reapack-core/internal/fsroot"
	"github.com/reapack/reapack-core/internal/hostapi"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/receipt"
	"github.com/reapack/reapack-core/internal/registry"
)

// pathGroup pairs a download's final target with the ".new" staging
// path it is written to while the transaction is still in its staging
// phase.
type pathGroup struct {
	target string
	temp   string
}

// InstallTask installs a fresh package or upgrades an already-installed
// one to ver. OldEntry is nil for a fresh install.
type InstallTask struct {
	ctx *Context

	Version  *index.Version
	Pin      bool
	OldEntry *registry.Entry

	savepoint string
	spOpen    bool
	oldFiles  []*registry.File
	pushed    *registry.Entry

	mu       sync.Mutex
	newFiles []pathGroup
	failed   bool
	failErr  error
}

// NewInstallTask constructs an InstallTask. oldEntry is nil for a fresh
// install and the previously-installed entry for an upgrade.
func NewInstallTask(ctx *Context, ver *index.Version, pin bool, oldEntry *registry.Entry) *InstallTask {
	return &InstallTask{ctx: ctx, Version: ver, Pin: pin, OldEntry: oldEntry}
}

// Start opens a savepoint, pushes the new version's entry and files
// (failing the task on conflict rather than returning an error — a
// file conflict is an expected, per-package outcome, not a transaction
// failure), then enqueues one FileDownload per installable source.
func (t *InstallTask) Start() error {
	if t.OldEntry != nil {
		files, err := t.ctx.Registry.GetFiles(t.OldEntry.ID)
		if err != nil {
			return fmt.Errorf("task: install %s: load previous files: %w", t.Version.FullName(), err)
		}
		t.oldFiles = files
	}

	sp, err := t.ctx.Registry.Savepoint()
	if err != nil {
		return fmt.Errorf("task: install %s: %w", t.Version.FullName(), err)
	}
	t.savepoint = sp
	t.spOpen = true

	entry, err := t.ctx.Registry.Push(t.Version, t.ctx.Host)
	if err != nil {
		var conflict *registry.ConflictError
		if errors.As(err, &conflict) {
			for _, p := range conflict.Paths {
				t.ctx.Receipt.AddError(receipt.Error{
					Title:   t.Version.FullName(),
					Message: "conflict: " + p + " is already owned by another package",
				})
			}
		} else {
			t.ctx.Receipt.AddError(receipt.Error{Title: t.Version.FullName(), Message: err.Error()})
		}
		if restoreErr := t.ctx.Registry.Restore(t.savepoint); restoreErr != nil {
			return fmt.Errorf("task: install %s: restore after conflict: %w", t.Version.FullName(), restoreErr)
		}
		t.spOpen = false
		t.markFailed(err)
		return nil
	}
	t.pushed = entry

	for _, src := range t.Version.SourcesFor(t.ctx.Host) {
		target, err := src.TargetPath()
		if err != nil {
			return fmt.Errorf("task: install %s: %w", t.Version.FullName(), err)
		}
		temp := fsroot.TempName(target)
		t.removeOldFile(target)

		t.mu.Lock()
		t.newFiles = append(t.newFiles, pathGroup{target: target, temp: temp})
		t.mu.Unlock()

		dl := downloadpool.NewFileDownload(t.ctx.Root, src.URL, temp)
		dl.OnComplete(func(d *downloadpool.Download) {
			if d.State() == downloadpool.Success {
				return
			}
			t.markFailed(d.Err())
		})
		t.ctx.Pool.Push(dl)
	}

	return nil
}

// removeOldFile drops target from oldFiles: a source re-downloaded to
// the same path it already owned must not be removed on commit.
func (t *InstallTask) removeOldFile(target string) {
	for i, f := range t.oldFiles {
		if f.Path == target {
			t.oldFiles = append(t.oldFiles[:i], t.oldFiles[i+1:]...)
			return
		}
	}
}

func (t *InstallTask) markFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.failed {
		t.failed = true
		t.failErr = err
	}
}

// Failed reports whether any source for this task failed to download,
// or the registry push hit a conflict. Only meaningful once the
// transaction's pool has gone idle.
func (t *InstallTask) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// FailErr returns the first error that caused Failed to become true,
// or nil.
func (t *InstallTask) FailErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failErr
}

// Commit renames every downloaded source onto its final path, removes
// files the previous version owned and the new one doesn't, records
// the install/upgrade ticket, and releases the task's savepoint. A
// rename failure rolls back the registry push and removes the staged
// files not yet renamed; files already renamed stay in place.
func (t *InstallTask) Commit() error {
	if t.Failed() {
		return fmt.Errorf("task: install %s: commit called on a failed task", t.Version.FullName())
	}

	for _, pg := range t.newFiles {
		if err := t.ctx.Root.AtomicReplace(pg.temp, pg.target); err != nil {
			t.ctx.Receipt.AddError(receipt.Error{Title: pg.target, Message: err.Error()})
			return t.Rollback()
		}
	}

	for _, f := range t.oldFiles {
		if err := t.ctx.Root.Remove(f.Path); err == nil {
			t.ctx.Receipt.AddRemoval(f.Path)
		}
	}

	ticketType := receipt.TicketInstall
	oldVersion := ""
	if t.OldEntry != nil {
		oldVersion = t.OldEntry.Version
		if index.Less(t.OldEntry.Version, t.Version.Name) {
			ticketType = receipt.TicketUpgrade
		}
	}
	t.ctx.Receipt.AddTicket(receipt.Ticket{
		Type:       ticketType,
		FullName:   t.Version.Package().FullName(),
		OldVersion: oldVersion,
		NewVersion: t.Version.Name,
	})

	if t.Version.Package().Type == index.TypeExtension {
		t.ctx.Receipt.SetRestartNeeded(true)
	}

	if t.ctx.HostTickets != nil && t.Version.Package().Type == index.TypeScript {
		pkg := t.Version.Package()
		ticket := hostapi.Ticket{Add: true, Remote: pkg.Category().Index().Name, Category: pkg.Category().Name, IsScript: true}
		if main := t.Version.MainSource(t.ctx.Host); main != nil {
			if p, err := main.TargetPath(); err == nil {
				ticket.MainFile = p
				ticket.HasMain = true
			}
		}
		t.ctx.HostTickets.Add(ticket)
	}

	if t.Pin && t.pushed != nil {
		if err := t.ctx.Registry.SetPinned(t.pushed.ID, true); err != nil {
			return fmt.Errorf("task: install %s: pin: %w", t.Version.FullName(), err)
		}
	}

	t.spOpen = false
	return t.ctx.Registry.Commit(t.savepoint)
}

// Rollback removes every staged ".new" file and reverts the registry
// push, undoing everything Start did.
func (t *InstallTask) Rollback() error {
	for _, pg := range t.newFiles {
		_ = t.ctx.Root.RemoveRecursive(pg.temp)
	}
	if !t.spOpen {
		return nil
	}
	t.spOpen = false
	return t.ctx.Registry.Restore(t.savepoint)
}
