package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reapack/reapack-core/internal/index"
)

const testIndex = `<?xml version="1.0" encoding="utf-8"?>
<index version="1" name="Test Repo">
  <category name="Scripts Category">
    <reapack name="hello.lua" type="script">
      <version name="1.0" author="cfillion">
        <source platform="generic" main="true">https://example.com/hello_1.lua</source>
      </version>
      <version name="1.1" author="cfillion">
        <source platform="generic" main="true">https://example.com/hello_1_1.lua</source>
      </version>
    </reapack>
    <reapack name="other.lua" type="script">
      <version name="1.0" author="cfillion">
        <source platform="generic" main="true" file="hello_1.lua">https://example.com/other.lua</source>
      </version>
    </reapack>
  </category>
</index>`

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "registry.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func parseTestIndex(t *testing.T) *index.Index {
	t.Helper()
	ix, err := index.Parse([]byte(testIndex), "Test Repo")
	require.NoError(t, err)
	return ix
}

func TestPushThenGetEntry(t *testing.T) {
	reg := openTestRegistry(t)
	ix := parseTestIndex(t)
	pkg := ix.Categories[0].Packages[0]
	ver := pkg.Versions[0]

	entry, err := reg.Push(ver, index.PlatformGeneric)
	require.NoError(t, err)
	require.False(t, entry.Pinned)

	got, err := reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.NoError(t, err)
	require.Equal(t, "1.0", got.Version)

	files, err := reg.GetFiles(got.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.True(t, files[0].IsMain)
}

func TestPushDetectsConflict(t *testing.T) {
	reg := openTestRegistry(t)
	ix := parseTestIndex(t)
	hello := ix.Categories[0].Packages[0]
	other := ix.Categories[0].Packages[1]

	_, err := reg.Push(hello.Versions[0], index.PlatformGeneric)
	require.NoError(t, err)

	_, err = reg.Push(other.Versions[0], index.PlatformGeneric)
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Contains(t, conflict.Paths, "Scripts/Test Repo/Scripts Category/hello_1.lua")
}

func TestPushPreservesPinOnUpgrade(t *testing.T) {
	reg := openTestRegistry(t)
	ix := parseTestIndex(t)
	pkg := ix.Categories[0].Packages[0]

	entry, err := reg.Push(pkg.Versions[0], index.PlatformGeneric)
	require.NoError(t, err)

	require.NoError(t, reg.SetPinned(entry.ID, true))

	upgraded, err := reg.Push(pkg.Versions[1], index.PlatformGeneric)
	require.NoError(t, err)
	require.Equal(t, entry.ID, upgraded.ID)
	require.Equal(t, "1.1", upgraded.Version)
	require.True(t, upgraded.Pinned)
}

func TestSavepointRestoreUndoesWrites(t *testing.T) {
	reg := openTestRegistry(t)
	ix := parseTestIndex(t)
	pkg := ix.Categories[0].Packages[0]

	sp, err := reg.Savepoint()
	require.NoError(t, err)

	_, err = reg.Push(pkg.Versions[0], index.PlatformGeneric)
	require.NoError(t, err)

	require.NoError(t, reg.Restore(sp))

	_, err = reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSavepointCommitKeepsWrites(t *testing.T) {
	reg := openTestRegistry(t)
	ix := parseTestIndex(t)
	pkg := ix.Categories[0].Packages[0]

	sp, err := reg.Savepoint()
	require.NoError(t, err)

	_, err = reg.Push(pkg.Versions[0], index.PlatformGeneric)
	require.NoError(t, err)
	require.NoError(t, reg.Commit(sp))

	_, err = reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.NoError(t, err)

	require.NoError(t, reg.CommitAll())

	_, err = reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.NoError(t, err)
}

func TestStagingRestoreBeforeCommitPhasePush(t *testing.T) {
	// Staging-phase push for package A fails and must be reverted before
	// the commit-phase push for package B lands.
	reg := openTestRegistry(t)
	ix := parseTestIndex(t)
	hello := ix.Categories[0].Packages[0]
	other := ix.Categories[0].Packages[1]

	stagingSP, err := reg.Savepoint()
	require.NoError(t, err)
	_, err = reg.Push(hello.Versions[0], index.PlatformGeneric)
	require.NoError(t, err)
	require.NoError(t, reg.Restore(stagingSP))

	commitSP, err := reg.Savepoint()
	require.NoError(t, err)
	_, err = reg.Push(other.Versions[0], index.PlatformGeneric)
	require.NoError(t, err)
	require.NoError(t, reg.Commit(commitSP))
	require.NoError(t, reg.CommitAll())

	_, err = reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := reg.GetEntry("Test Repo", "Scripts Category", "other.lua")
	require.NoError(t, err)
	require.Equal(t, "1.0", got.Version)
}

func TestForgetRemovesEntryAndFiles(t *testing.T) {
	reg := openTestRegistry(t)
	ix := parseTestIndex(t)
	pkg := ix.Categories[0].Packages[0]

	entry, err := reg.Push(pkg.Versions[0], index.PlatformGeneric)
	require.NoError(t, err)

	require.NoError(t, reg.Forget(entry.ID))

	_, err = reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.ErrorIs(t, err, ErrNotFound)

	files, err := reg.GetFiles(entry.ID)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestSetPinnedUnknownEntryIsNotFound(t *testing.T) {
	reg := openTestRegistry(t)
	require.ErrorIs(t, reg.SetPinned(9999, true), ErrNotFound)
}

func TestReopenRunsMigrationsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.db")

	reg, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg2, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, reg2.Close())
}
