// Package task implements the three per-package operations a
// transaction stages and later commits or rolls back: installing (or
// upgrading) a package, removing one, and flipping its pin flag.
//
// Every Task opens its own registry savepoint in Start so that its
// writes can be reverted independently of its siblings — a conflict or
// a failed download in one package's task must never touch another
// package's already-staged state.
package task

import (
	"github.com/reapack/reapack-core/internal/downloadpool"
	"github.com/reapack/reapack-core/internal/fsroot"
	"github.com/reapack/reapack-core/internal/hostapi"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/receipt"
	"github.com/reapack/reapack-core/internal/registry"
)

// Context bundles the collaborators every Task needs, constructed once
// per transaction and shared across every task it stages.
type Context struct {
	Registry    *registry.Registry
	Pool        *downloadpool.Pool
	Receipt     *receipt.Receipt
	Root        *fsroot.Root
	Host        index.Platform
	HostTickets *hostapi.Queue
}

// Task is one package-level change staged against a transaction.
//
// Start stages the change: it opens a savepoint, pushes or forgets
// registry rows, and (for InstallTask) enqueues downloads onto the
// pool. A nil error from Start means the task is staged, not that it
// will succeed — Failed reports the latter, and is only meaningful
// once the owning pool has gone idle.
//
// Exactly one of Commit or Rollback is called per task once every
// download in the transaction has finished: Commit when !Failed(),
// Rollback otherwise.
type Task interface {
	Start() error
	Failed() bool
	Commit() error
	Rollback() error
}
