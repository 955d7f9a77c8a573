// Package coreapi implements the thin, read-through surface spec.md §6
// says the CLI-facing scripting bridge consumes: package browsing,
// version comparison, installed-entry introspection, and repository
// configuration, plus the one entry point that opens a Transaction —
// ProcessQueue, the synchronize-everything operation a host binds to
// its own "check for updates" action.
package coreapi

import (
	"fmt"
	"log/slog"

	"github.com/reapack/reapack-core/internal/downloadpool"
	"github.com/reapack/reapack-core/internal/fsroot"
	"github.com/reapack/reapack-core/internal/hostapi"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/reapackconfig"
	"github.com/reapack/reapack-core/internal/registry"
	"github.com/reapack/reapack-core/internal/transaction"
)

// API bundles the collaborators every read-through call and
// ProcessQueue need. It holds no state of its own beyond them.
type API struct {
	Registry   *registry.Registry
	Config     *reapackconfig.Config
	ConfigPath string
	Root       *fsroot.Root
	Host       hostapi.Host
	Platform   index.Platform
	Logger     *slog.Logger
}

// BrowsePackages parses remote's cached index from disk and returns
// every package it lists, without triggering a fetch. Use ProcessQueue
// first to refresh the cache if a live view is required.
func (a *API) BrowsePackages(remoteName string) ([]*index.Package, error) {
	ix, err := a.readCachedIndex(remoteName)
	if err != nil {
		return nil, err
	}
	return ix.AllPackages(), nil
}

// GetRepositoryInfo returns remote's full cached index.
func (a *API) GetRepositoryInfo(remoteName string) (*index.Index, error) {
	return a.readCachedIndex(remoteName)
}

func (a *API) readCachedIndex(remoteName string) (*index.Index, error) {
	data, err := a.Root.ReadFile(transaction.CacheDir + "/" + remoteName + ".xml")
	if err != nil {
		return nil, fmt.Errorf("coreapi: %s has no cached index: %w", remoteName, err)
	}
	return index.Parse(data, remoteName)
}

// CompareVersions totally orders two version strings; it is the
// read-through the browse UI's sort and "update available" badge use.
func (a *API) CompareVersions(v1, v2 string) int {
	return index.Compare(v1, v2)
}

// AboutInstalledPackage returns the installed entry for
// (remote, category, name), or registry.ErrNotFound.
func (a *API) AboutInstalledPackage(remoteName, category, name string) (*registry.Entry, error) {
	return a.Registry.GetEntry(remoteName, category, name)
}

// GetEntryInfo is an alias of AboutInstalledPackage: both are read-only
// lookups against the same registry row, kept as two names because the
// scripting bridge exposes them as two distinct API calls.
func (a *API) GetEntryInfo(remoteName, category, name string) (*registry.Entry, error) {
	return a.AboutInstalledPackage(remoteName, category, name)
}

// EnumOwnedFiles returns every file an installed entry owns.
func (a *API) EnumOwnedFiles(entry *registry.Entry) ([]*registry.File, error) {
	return a.Registry.GetFiles(entry.ID)
}

// GetOwner returns the entry owning path, or registry.ErrNotFound.
func (a *API) GetOwner(path string) (*registry.Entry, error) {
	return a.Registry.GetOwner(path)
}

// AboutRepository returns the configured remote by name.
func (a *API) AboutRepository(name string) (reapackconfig.Remote, bool) {
	return a.Config.Remote(name)
}

// AddSetRepository inserts or replaces a configured remote and persists
// ReaPack.ini immediately; a protected remote already present is
// refused, per spec.md §3.
func (a *API) AddSetRepository(r reapackconfig.Remote) error {
	if err := a.Config.SetRemote(r); err != nil {
		return err
	}
	return a.Config.Save(a.ConfigPath)
}

// ProcessQueue is the one coreapi call that opens a Transaction: it
// synchronizes every named remote (or every enabled one, if names is
// empty), runs the resulting tasks to completion, and returns the
// receipt. Each invocation is a self-contained Transaction/Pool pair,
// consistent with a Pool being single-use.
func (a *API) ProcessQueue(names []string, pool *downloadpool.Pool) (*transaction.Result, error) {
	if len(names) == 0 {
		for _, r := range a.Config.Remotes {
			if r.Enabled {
				names = append(names, r.Name)
			}
		}
	}

	tx, err := transaction.New(transaction.Options{
		Registry: a.Registry,
		Pool:     pool,
		Root:     a.Root,
		Host:     a.Host,
		Config:   a.Config,
		Platform: a.Platform,
		Logger:   a.Logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Close() }()

	for _, name := range names {
		if err := tx.Synchronize(name, reapackconfig.AutoInstallInherit); err != nil {
			return nil, err
		}
	}

	return tx.RunTasks()
}
