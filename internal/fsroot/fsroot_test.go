package fsroot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRejectsTraversal(t *testing.T) {
	r := NewMemRoot("/root")

	_, err := r.Resolve("../../etc/passwd")
	require.ErrorIs(t, err, ErrOutsideRoot)

	abs, err := r.Resolve("Scripts/foo/bar.lua")
	require.NoError(t, err)
	assert.Equal(t, "/root/Scripts/foo/bar.lua", abs)
}

func TestAtomicReplaceFreshFile(t *testing.T) {
	r := NewMemRoot("/root")

	require.NoError(t, r.WriteFile("Scripts/a.lua.new", []byte("content")))
	require.NoError(t, r.AtomicReplace("Scripts/a.lua.new", "Scripts/a.lua"))

	assert.True(t, r.Exists("Scripts/a.lua"))
	assert.False(t, r.Exists("Scripts/a.lua.new"))

	data, err := r.ReadFile("Scripts/a.lua")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestAtomicReplaceOverwritesExisting(t *testing.T) {
	r := NewMemRoot("/root")

	require.NoError(t, r.WriteFile("Scripts/a.lua", []byte("old")))
	require.NoError(t, r.WriteFile("Scripts/a.lua.new", []byte("new")))
	require.NoError(t, r.AtomicReplace("Scripts/a.lua.new", "Scripts/a.lua"))

	data, err := r.ReadFile("Scripts/a.lua")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRemoveRecursiveIsIdempotent(t *testing.T) {
	r := NewMemRoot("/root")

	require.NoError(t, r.RemoveRecursive("Scripts/does-not-exist"))

	require.NoError(t, r.WriteFile("Effects/common/x.jsfx", []byte("x")))
	require.NoError(t, r.RemoveRecursive("Effects/common"))
	assert.False(t, r.Exists("Effects/common/x.jsfx"))
}

func TestAcquireRestoresPreviousRoot(t *testing.T) {
	first := NewMemRoot("/first")
	SetDefault(first)

	restore := Acquire(NewMemRoot("/second"))
	assert.Equal(t, "/second", Default().Base())
	restore()

	assert.Equal(t, "/first", Default().Base())
}
