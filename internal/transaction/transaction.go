// Package transaction implements the orchestration engine that plans,
// stages, commits, and rolls back a batch of Install/Remove/Pin tasks
// against one Registry: the core's synchronize/install/uninstall entry
// points and the runTasks/cancel state machine described in spec.md §4.4.
package transaction

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/google/uuid"

	"github.com/reapack/reapack-core/internal/downloadpool"
	"github.com/reapack/reapack-core/internal/fsroot"
	"github.com/reapack/reapack-core/internal/hostapi"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/reapackconfig"
	"github.com/reapack/reapack-core/internal/receipt"
	"github.com/reapack/reapack-core/internal/registry"
	"github.com/reapack/reapack-core/internal/task"
)

// ErrCancelled is returned to an index fetch or task in progress when
// the owning Transaction's Cancel is called while it is outstanding.
var ErrCancelled = errors.New("transaction: cancelled")

// CacheDir is the root-relative directory holding cached index
// documents, per spec.md §6's on-disk layout.
const CacheDir = "ReaPack/Cache"

func cachePath(remote string) string {
	return path.Join(CacheDir, remote+".xml")
}

// Options bundles the collaborators a Transaction needs. Registry, Root
// and Host are required; the rest default to sensible values when left
// zero.
type Options struct {
	Registry   *registry.Registry
	Pool       *downloadpool.Pool
	Root       *fsroot.Root
	Host       hostapi.Host
	Config     *reapackconfig.Config
	Platform   index.Platform
	IndexCache *IndexCache
	Logger     *slog.Logger
}

// Result is delivered to every OnFinish callback once RunTasks or
// Cancel concludes.
type Result struct {
	Receipt   *receipt.Receipt
	Cancelled bool
}

// Transaction owns one Registry savepoint, a set of staged tasks, a
// download pool, an ordered queue of host-registration tickets, and the
// receipt that aggregates the run's outcome. A Transaction is driven
// from a single orchestration goroutine; its Pool runs fetches on its
// own worker goroutines, but no two Task methods run concurrently with
// each other and none run concurrently with Synchronize/Install/
// Uninstall/RunTasks/Cancel.
type Transaction struct {
	ID string

	reg        *registry.Registry
	pool       *downloadpool.Pool
	root       *fsroot.Root
	host       hostapi.Host
	cfg        *reapackconfig.Config
	platform   index.Platform
	indexCache *IndexCache
	logger     *slog.Logger

	receipt *receipt.Receipt
	taskCtx *task.Context

	mu          sync.Mutex
	tasks       []task.Task
	savepoint   string
	spOpen      bool
	inhibited   map[string]bool
	hostTickets []hostapi.Ticket
	onFinish    []func(*Result)
	enabled     bool
	running     bool
}

// New opens a Transaction against the given collaborators, taking its
// first registry savepoint.
func New(opts Options) (*Transaction, error) {
	if opts.Registry == nil || opts.Root == nil || opts.Host == nil {
		return nil, fmt.Errorf("transaction: Registry, Root and Host are required")
	}
	if opts.Platform == "" {
		opts.Platform = index.HostPlatform()
	}
	if opts.Pool == nil {
		opts.Pool = downloadpool.New()
	}
	if opts.IndexCache == nil {
		opts.IndexCache = NewIndexCache(opts.Pool, 32, FreshnessWindow)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config == nil {
		opts.Config = reapackconfig.Default()
	}

	id := uuid.NewString()
	logger := opts.Logger.With("transaction_id", id)

	sp, err := opts.Registry.Savepoint()
	if err != nil {
		return nil, fmt.Errorf("transaction: open savepoint: %w", err)
	}

	r := receipt.New()
	tx := &Transaction{
		ID:         id,
		reg:        opts.Registry,
		pool:       opts.Pool,
		root:       opts.Root,
		host:       opts.Host,
		cfg:        opts.Config,
		platform:   opts.Platform,
		indexCache: opts.IndexCache,
		logger:     logger,
		receipt:    r,
		savepoint:  sp,
		spOpen:     true,
		inhibited:  make(map[string]bool),
	}
	tx.taskCtx = &task.Context{
		Registry:    opts.Registry,
		Pool:        opts.Pool,
		Receipt:     r,
		Root:        opts.Root,
		Host:        opts.Platform,
		HostTickets: &hostapi.Queue{},
	}

	logger.Info("transaction opened")
	return tx, nil
}

// OnFinish registers fn to run once, when RunTasks concludes or Cancel
// is called.
func (tx *Transaction) OnFinish(fn func(*Result)) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.onFinish = append(tx.onFinish, fn)
}

// Receipt returns the transaction's in-progress receipt. It is safe to
// read before RunTasks returns, though tickets and errors may still be
// added until then.
func (tx *Transaction) Receipt() *receipt.Receipt { return tx.receipt }

func (tx *Transaction) markEnabled() {
	tx.mu.Lock()
	tx.enabled = true
	tx.mu.Unlock()
}

// Synchronize fetches remote's index (unless a cached copy is still
// fresh), then for every package it lists: installs it if it is absent
// and autoInstall resolves to true, re-installs it if the latest
// version differs from what's installed or any owned file is missing
// from disk, and otherwise leaves it untouched. override supersedes the
// remote's own autoInstall preference when not AutoInstallInherit.
func (tx *Transaction) Synchronize(remoteName string, override reapackconfig.AutoInstall) error {
	remote, ok := tx.cfg.Remote(remoteName)
	if !ok {
		return fmt.Errorf("transaction: unknown remote %q", remoteName)
	}
	if !remote.Enabled {
		return nil
	}

	ix, err := tx.indexCache.Fetch(remote, false)
	if err != nil {
		tx.receipt.AddError(receipt.Error{Title: remoteName, Message: err.Error()})
		return nil // IndexError is per-remote recoverable, spec.md §7
	}
	if err := tx.root.WriteFile(cachePath(remoteName), mustEmit(ix)); err != nil {
		tx.logger.Warn("cache index write failed", "remote", remoteName, "error", err)
	}

	autoInstall := remote.AutoInstall
	if override != reapackconfig.AutoInstallInherit {
		autoInstall = override
	}
	autoOn := autoInstall.Resolve(tx.cfg.General.AutoInstall)

	for _, pkg := range ix.AllPackages() {
		cat := pkg.Category()
		last := pkg.LastVersionFor(tx.platform)
		if last == nil {
			continue // not installable on this host, spec.md §3 invariant
		}

		entry, err := tx.reg.GetEntry(remoteName, cat.Name, pkg.Name)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			if !autoOn {
				continue
			}
			tx.queueInstall(last, false, nil)
		case err != nil:
			return fmt.Errorf("transaction: synchronize %s: %w", remoteName, err)
		default:
			if entry.Version == last.Name && tx.filesPresent(entry) {
				continue
			}
			tx.queueInstall(last, false, entry)
		}
	}

	return nil
}

func mustEmit(ix *index.Index) []byte {
	data, err := index.Emit(ix)
	if err != nil {
		return nil
	}
	return data
}

func (tx *Transaction) filesPresent(entry *registry.Entry) bool {
	files, err := tx.reg.GetFiles(entry.ID)
	if err != nil {
		return false
	}
	for _, f := range files {
		if !tx.root.Exists(f.Path) {
			return false
		}
	}
	return true
}

// Install queues an Install task for a specific version, used both by
// Synchronize and directly by a caller installing one package
// explicitly (e.g. the host's about-page "Install" button). pin marks
// the resulting entry pinned once committed; pass false to leave an
// upgrade's pin flag exactly as the old entry's was.
func (tx *Transaction) Install(ver *index.Version, pin bool) error {
	cat := ver.Package().Category()
	remoteName := cat.Index().Name

	entry, err := tx.reg.GetEntry(remoteName, cat.Name, ver.Package().Name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		tx.queueInstall(ver, pin, nil)
	case err != nil:
		return fmt.Errorf("transaction: install %s: %w", ver.FullName(), err)
	default:
		tx.queueInstall(ver, pin, entry)
	}
	return nil
}

func (tx *Transaction) queueInstall(ver *index.Version, pin bool, oldEntry *registry.Entry) {
	tx.markEnabled()
	t := task.NewInstallTask(tx.taskCtx, ver, pin, oldEntry)
	tx.mu.Lock()
	tx.tasks = append(tx.tasks, t)
	tx.mu.Unlock()
}

// Uninstall inhibits further registration from remote, removes its
// on-disk cached index, and queues a Remove task for every entry it
// owns. A protected remote is refused: it returns without enqueuing a
// task or touching the registry, per spec.md scenario 5.
func (tx *Transaction) Uninstall(remoteName string) error {
	remote, ok := tx.cfg.Remote(remoteName)
	if !ok {
		return fmt.Errorf("transaction: unknown remote %q", remoteName)
	}
	if remote.Protected {
		return nil
	}

	tx.mu.Lock()
	tx.inhibited[remoteName] = true
	tx.mu.Unlock()

	_ = tx.root.RemoveRecursive(cachePath(remoteName))

	entries, err := tx.reg.GetEntries(remoteName)
	if err != nil {
		return fmt.Errorf("transaction: uninstall %s: %w", remoteName, err)
	}
	for _, e := range entries {
		tx.markEnabled()
		t := task.NewRemoveTask(tx.taskCtx, e)
		tx.mu.Lock()
		tx.tasks = append(tx.tasks, t)
		tx.mu.Unlock()
	}
	return nil
}

// Pin queues a Pin/Unpin task for an already-installed entry.
func (tx *Transaction) Pin(entry *registry.Entry, pinned bool) {
	tx.markEnabled()
	t := task.NewPinTask(tx.taskCtx, entry, pinned)
	tx.mu.Lock()
	tx.tasks = append(tx.tasks, t)
	tx.mu.Unlock()
}

// RunTasks restores the transaction's pre-plan savepoint (discarding
// any stray registry write made while Synchronize/Install/Uninstall
// built the plan, rather than staging it), starts every queued task,
// blocks until the download pool drains, then, in the order tasks were
// staged, commits each task that did not fail and rolls back each one
// that did. Host-registration tickets queued during staging and commit
// are drained only after the registry's CommitAll, so the host never
// observes a partial state. It ends by opening a fresh savepoint, so a
// later call runs only the tasks queued since; the receipt is shared
// by every call.
func (tx *Transaction) RunTasks() (*Result, error) {
	tx.mu.Lock()
	if tx.running {
		tx.mu.Unlock()
		return nil, fmt.Errorf("transaction: RunTasks already in progress")
	}
	tx.running = true
	tasks := tx.tasks
	tx.tasks = nil
	tx.mu.Unlock()

	defer func() {
		tx.mu.Lock()
		tx.running = false
		tx.mu.Unlock()
	}()

	if err := tx.reg.Restore(tx.savepoint); err != nil {
		return nil, fmt.Errorf("transaction: restore pre-plan savepoint: %w", err)
	}
	sp, err := tx.reg.Savepoint()
	if err != nil {
		return nil, fmt.Errorf("transaction: reopen savepoint: %w", err)
	}
	tx.savepoint = sp
	tx.spOpen = true

	// Re-stage every task against the now-current savepoint: the
	// earlier planning pass ran with no registry writes, so this is the
	// first real Start for each task.
	for _, t := range tasks {
		if err := t.Start(); err != nil {
			tx.logger.Error("task start failed", "error", err)
			return nil, tx.fatal(err)
		}
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	signalDone := func() { closeOnce.Do(func() { close(done) }) }
	tx.pool.OnDone(signalDone)
	if tx.pool.Idle() {
		signalDone()
	}
	<-done

	cancelled := false
	tx.mu.Lock()
	if tx.receipt.IsCancelled() {
		cancelled = true
	}
	tx.mu.Unlock()

	if cancelled {
		return tx.finishCancelled(tasks)
	}

	// Each task's Commit/Rollback choice is independent: a conflict or a
	// failed download aborts only the task that hit it (spec.md
	// scenario 3), not its siblings already staged in this same batch.
	for _, t := range tasks {
		if t.Failed() {
			if err := t.Rollback(); err != nil {
				tx.logger.Warn("task rollback failed", "error", err)
			}
			continue
		}
		if err := t.Commit(); err != nil {
			tx.logger.Error("task commit failed", "error", err)
			return nil, tx.fatal(err)
		}
	}

	tx.spOpen = false
	if err := tx.reg.Commit(tx.savepoint); err != nil {
		return nil, tx.fatal(err)
	}
	if err := tx.reg.CommitAll(); err != nil {
		return nil, tx.fatal(err)
	}

	tx.drainHostTickets()

	sp2, err := tx.reg.Savepoint()
	if err != nil {
		return nil, tx.fatal(err)
	}
	tx.savepoint = sp2
	tx.spOpen = true

	tx.logger.Info("transaction committed", "tickets", len(tx.receipt.Tickets()))
	return tx.emitFinish(false), nil
}

func (tx *Transaction) finishCancelled(tasks []task.Task) (*Result, error) {
	for _, t := range tasks {
		_ = t.Rollback()
	}
	if tx.spOpen {
		if err := tx.reg.Restore(tx.savepoint); err != nil {
			return nil, tx.fatal(err)
		}
		tx.spOpen = false
	}
	sp, err := tx.reg.Savepoint()
	if err != nil {
		return nil, tx.fatal(err)
	}
	tx.savepoint = sp
	tx.spOpen = true

	tx.receipt.SetCancelled(true)
	tx.logger.Info("transaction cancelled")
	return tx.emitFinish(true), nil
}

// Cancel signals the download pool to abort every in-flight fetch and
// discard pending ones. Tasks that have not yet committed roll back on
// the next RunTasks drain; Cancel itself only flips the cooperative
// flag and is safe to call from any goroutine.
func (tx *Transaction) Cancel() {
	tx.receipt.SetCancelled(true)
	tx.pool.Cancel()
}

// fatal rolls the outer savepoint back wholesale and wraps err:
// a RegistryError is the one class spec.md §7 says propagates out of
// the Transaction instead of being absorbed into the receipt.
func (tx *Transaction) fatal(err error) error {
	if tx.spOpen {
		_ = tx.reg.Restore(tx.savepoint)
		tx.spOpen = false
	}
	return fmt.Errorf("transaction: %w", err)
}

// drainHostTickets drains every host-registration ticket tasks queued
// onto taskCtx.HostTickets during staging and commit, in enqueue order,
// skipping register tickets for an inhibited remote but always
// draining unregister tickets.
func (tx *Transaction) drainHostTickets() {
	tx.mu.Lock()
	inhibited := make(map[string]bool, len(tx.inhibited))
	for k, v := range tx.inhibited {
		inhibited[k] = v
	}
	tx.mu.Unlock()

	errs := hostapi.Drain(tx.host, tx.taskCtx.HostTickets.Tickets(), inhibited)
	tx.taskCtx.HostTickets = &hostapi.Queue{}
	for _, err := range errs {
		tx.receipt.AddError(receipt.Error{Title: "host registration", Message: err.Error()})
	}
}

func (tx *Transaction) emitFinish(cancelled bool) *Result {
	tx.mu.Lock()
	callbacks := append([]func(*Result){}, tx.onFinish...)
	tx.mu.Unlock()

	res := &Result{Receipt: tx.receipt, Cancelled: cancelled}
	for _, cb := range callbacks {
		cb(res)
	}
	return res
}

// Enabled reports whether any work was ever queued on this Transaction,
// so the caller can show "Nothing to do!" only when it's true and the
// receipt is otherwise empty, per spec.md §4.4.
func (tx *Transaction) Enabled() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.enabled
}

// Close releases the transaction's outstanding savepoint and underlying
// pool without committing anything further. RunTasks leaves a fresh
// savepoint open, and Registry.CommitAll fails while any savepoint is
// open, so a Transaction must be closed before another Transaction
// commits on the same Registry.
func (tx *Transaction) Close() error {
	tx.pool.Shutdown()
	if !tx.spOpen {
		return nil
	}
	tx.spOpen = false
	return tx.reg.Restore(tx.savepoint)
}
