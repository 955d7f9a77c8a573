// Package registry implements the durable local registry that the
// transaction engine reads and writes: which packages and files are
// installed, at which version, with which pin state.
//
// The registry wraps a single long-lived SQL transaction so that a
// transaction's staging-phase writes can be pushed, later reverted with
// Restore if the download fails, and the commit-phase writes released
// with Commit and made durable with CommitAll. Savepoint/Restore/Commit map directly onto
// SQLite SAVEPOINT/ROLLBACK TO/RELEASE, so nesting is as cheap as the
// database makes it.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/reapack/reapack-core/internal/index"

	_ "modernc.org/sqlite"
)

// Registry is the durable store of installed packages and the files they
// own. A Registry is safe for concurrent reads; writes (Push, Forget,
// SetPinned, Savepoint, Restore, Commit) are serialized internally and
// are expected to come from a single transaction at a time.
type Registry struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger

	mu    sync.Mutex
	stack []string // savepoint name stack, innermost last

	seq    atomic.Uint64
	closed bool
}

// Open opens (creating if absent) the SQLite database at path, applies
// any pending migrations and begins the registry's long-lived
// transaction. Callers must call Close when done.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite does not support concurrent writers on one handle

	if err := migrate(db, &gooseLogAdapter{logger}); err != nil {
		db.Close()
		return nil, err
	}

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: begin transaction: %w", err)
	}

	return &Registry{db: db, tx: tx, logger: logger}, nil
}

// Close rolls back any outstanding uncommitted work and releases the
// underlying database handle. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.tx != nil {
		_ = r.tx.Rollback()
	}
	return r.db.Close()
}

// Savepoint opens a new nested write boundary and returns its name. The
// transaction engine pushes one savepoint per task so that a single
// task's writes can be reverted without disturbing its siblings'.
func (r *Registry) Savepoint() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrClosed
	}

	name := fmt.Sprintf("sp_%d", r.seq.Add(1))
	if _, err := r.tx.Exec("SAVEPOINT " + name); err != nil {
		return "", fmt.Errorf("registry: savepoint: %w", err)
	}
	r.stack = append(r.stack, name)
	return name, nil
}

// Restore rolls back every write made since name's Savepoint call,
// without affecting outer savepoints. name must be the most recently
// opened, still-open savepoint (callers restore/commit in LIFO order,
// matching the transaction engine's nested task structure).
func (r *Registry) Restore(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if err := r.popCheck(name); err != nil {
		return err
	}

	if _, err := r.tx.Exec("ROLLBACK TO SAVEPOINT " + name); err != nil {
		return fmt.Errorf("registry: restore %s: %w", name, err)
	}
	if _, err := r.tx.Exec("RELEASE SAVEPOINT " + name); err != nil {
		return fmt.Errorf("registry: release after restore %s: %w", name, err)
	}
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

// Commit releases name's savepoint, folding its writes into the next
// savepoint out (or into the long-lived transaction if name was
// outermost). It does not make writes durable on disk by itself — call
// CommitAll once every task in the transaction has committed or restored.
func (r *Registry) Commit(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if err := r.popCheck(name); err != nil {
		return err
	}

	if _, err := r.tx.Exec("RELEASE SAVEPOINT " + name); err != nil {
		return fmt.Errorf("registry: release %s: %w", name, err)
	}
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

// CommitAll makes every write against the registry since Open durable
// and begins a fresh transaction, ready for the next synchronize run.
// It must only be called with no savepoints outstanding.
func (r *Registry) CommitAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if len(r.stack) != 0 {
		return fmt.Errorf("registry: commit with %d savepoint(s) still open", len(r.stack))
	}

	if err := r.tx.Commit(); err != nil {
		return fmt.Errorf("registry: commit: %w", err)
	}

	tx, err := r.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("registry: begin next transaction: %w", err)
	}
	r.tx = tx
	return nil
}

func (r *Registry) popCheck(name string) error {
	if len(r.stack) == 0 || r.stack[len(r.stack)-1] != name {
		return fmt.Errorf("registry: %s is not the innermost open savepoint", name)
	}
	return nil
}

// Push registers ver as the installed version of its package for host,
// inserting or updating the owning entry and its files. If any file
// path is already owned by a different entry, Push makes no changes and
// returns a *ConflictError naming every colliding path.
func (r *Registry) Push(ver *index.Version, host index.Platform) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	pkg := ver.Package()
	cat := pkg.Category()
	ix := cat.Index()

	sources := ver.SourcesFor(host)
	if len(sources) == 0 {
		return nil, fmt.Errorf("registry: push %s: no installable sources for %s", pkg.FullName(), host)
	}

	paths := make([]string, 0, len(sources))
	for _, src := range sources {
		p, err := src.TargetPath()
		if err != nil {
			return nil, fmt.Errorf("registry: push %s: %w", pkg.FullName(), err)
		}
		paths = append(paths, p)
	}

	var existingID int64
	var pinned bool
	row := r.tx.QueryRow(
		`SELECT id, pinned FROM entries WHERE remote = ? AND category = ? AND name = ?`,
		ix.Name, cat.Name, pkg.Name,
	)
	switch err := row.Scan(&existingID, &pinned); {
	case err == sql.ErrNoRows:
		existingID = 0
	case err != nil:
		return nil, fmt.Errorf("registry: lookup entry: %w", err)
	}

	var conflicts []string
	for _, p := range paths {
		var ownerEntry int64
		row := r.tx.QueryRow(`SELECT entry_id FROM files WHERE path = ?`, p)
		if err := row.Scan(&ownerEntry); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, fmt.Errorf("registry: lookup file owner: %w", err)
		}
		if ownerEntry != existingID {
			conflicts = append(conflicts, p)
		}
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{Paths: conflicts}
	}

	var entryID int64
	if existingID != 0 {
		// Re-import across a re-add of the same remote, or an upgrade:
		// the pin flag survives.
		if _, err := r.tx.Exec(
			`UPDATE entries SET type = ?, version = ? WHERE id = ?`,
			string(pkg.Type), ver.Name, existingID,
		); err != nil {
			return nil, fmt.Errorf("registry: update entry: %w", err)
		}
		if _, err := r.tx.Exec(`DELETE FROM files WHERE entry_id = ?`, existingID); err != nil {
			return nil, fmt.Errorf("registry: clear stale files: %w", err)
		}
		entryID = existingID
	} else {
		res, err := r.tx.Exec(
			`INSERT INTO entries (remote, category, name, type, version, pinned) VALUES (?, ?, ?, ?, ?, 0)`,
			ix.Name, cat.Name, pkg.Name, string(pkg.Type), ver.Name,
		)
		if err != nil {
			return nil, fmt.Errorf("registry: insert entry: %w", err)
		}
		entryID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("registry: read inserted id: %w", err)
		}
	}

	for i, src := range sources {
		if _, err := r.tx.Exec(
			`INSERT INTO files (entry_id, path, is_main, is_section) VALUES (?, ?, ?, ?)`,
			entryID, paths[i], src.Main, len(src.Sections) > 0,
		); err != nil {
			return nil, fmt.Errorf("registry: insert file: %w", err)
		}
	}

	return &Entry{
		ID:       entryID,
		Remote:   ix.Name,
		Category: cat.Name,
		Name:     pkg.Name,
		Type:     pkg.Type,
		Version:  ver.Name,
		Pinned:   pinned,
	}, nil
}

// GetEntry returns the installed entry for (remote, category, name), or
// ErrNotFound if nothing is installed under that name.
func (r *Registry) GetEntry(remote, category, name string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	return r.scanEntry(r.tx.QueryRow(
		`SELECT id, remote, category, name, type, version, pinned FROM entries
		 WHERE remote = ? AND category = ? AND name = ?`,
		remote, category, name,
	))
}

// GetEntries returns every installed entry belonging to remote, or every
// installed entry when remote is empty.
func (r *Registry) GetEntries(remote string) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	var rows *sql.Rows
	var err error
	if remote == "" {
		rows, err = r.tx.Query(`SELECT id, remote, category, name, type, version, pinned FROM entries ORDER BY remote, category, name`)
	} else {
		rows, err = r.tx.Query(
			`SELECT id, remote, category, name, type, version, pinned FROM entries
			 WHERE remote = ? ORDER BY category, name`, remote,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: query entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		if err := rows.Scan(&e.ID, &e.Remote, &e.Category, &e.Name, &typ, &e.Version, &e.Pinned); err != nil {
			return nil, fmt.Errorf("registry: scan entry: %w", err)
		}
		e.Type = index.PackageType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetFiles returns every file owned by entryID.
func (r *Registry) GetFiles(entryID int64) ([]*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	rows, err := r.tx.Query(
		`SELECT entry_id, path, is_main, is_section FROM files WHERE entry_id = ? ORDER BY path`,
		entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: query files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f := &File{}
		if err := rows.Scan(&f.EntryID, &f.Path, &f.IsMain, &f.IsSection); err != nil {
			return nil, fmt.Errorf("registry: scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetMainFile returns the path flagged as the main source for entryID.
// ok is false when the entry has no main file (pure-data packages).
func (r *Registry) GetMainFile(entryID int64) (path string, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", false, ErrClosed
	}

	row := r.tx.QueryRow(`SELECT path FROM files WHERE entry_id = ? AND is_main = 1 LIMIT 1`, entryID)
	switch scanErr := row.Scan(&path); {
	case scanErr == sql.ErrNoRows:
		return "", false, nil
	case scanErr != nil:
		return "", false, fmt.Errorf("registry: lookup main file: %w", scanErr)
	}
	return path, true, nil
}

// GetOwner returns the entry owning path, or ErrNotFound if no entry
// claims it.
func (r *Registry) GetOwner(path string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	var entryID int64
	row := r.tx.QueryRow(`SELECT entry_id FROM files WHERE path = ?`, path)
	switch err := row.Scan(&entryID); {
	case err == sql.ErrNoRows:
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("registry: lookup owner: %w", err)
	}

	return r.scanEntry(r.tx.QueryRow(
		`SELECT id, remote, category, name, type, version, pinned FROM entries WHERE id = ?`,
		entryID,
	))
}

// Forget removes entryID and every file it owns. It does not remove
// files from disk; that is the caller's responsibility as part of the
// owning task's rollback or commit.
func (r *Registry) Forget(entryID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if _, err := r.tx.Exec(`DELETE FROM files WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("registry: forget files: %w", err)
	}
	if _, err := r.tx.Exec(`DELETE FROM entries WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("registry: forget entry: %w", err)
	}
	return nil
}

// SetPinned updates entryID's pin flag. Push carries the flag over to
// the upgraded entry; Synchronize does not skip pinned entries.
func (r *Registry) SetPinned(entryID int64, pinned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	res, err := r.tx.Exec(`UPDATE entries SET pinned = ? WHERE id = ?`, pinned, entryID)
	if err != nil {
		return fmt.Errorf("registry: set pinned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: set pinned: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) scanEntry(row *sql.Row) (*Entry, error) {
	e := &Entry{}
	var typ string
	switch err := row.Scan(&e.ID, &e.Remote, &e.Category, &e.Name, &typ, &e.Version, &e.Pinned); {
	case err == sql.ErrNoRows:
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("registry: scan entry: %w", err)
	}
	e.Type = index.PackageType(typ)
	return e, nil
}

// gooseLogAdapter routes goose's own migration-progress logging through
// the registry's structured logger instead of goose's default stdlib
// logger.
type gooseLogAdapter struct {
	logger *slog.Logger
}

func (a *gooseLogAdapter) Fatalf(format string, v ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

func (a *gooseLogAdapter) Printf(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}
