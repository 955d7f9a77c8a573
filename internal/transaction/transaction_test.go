package transaction

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reapack/reapack-core/internal/downloadpool"
	"github.com/reapack/reapack-core/internal/fsroot"
	"github.com/reapack/reapack-core/internal/hostapi"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/reapackconfig"
	"github.com/reapack/reapack-core/internal/registry"
)

func indexDoc(srvURL string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<index version="1" name="Test Repo">
  <category name="Scripts Category">
    <reapack name="hello.lua" type="script">
      <version name="1.0" author="cfillion">
        <source platform="generic" main="true">%[1]s/hello_1.lua</source>
      </version>
    </reapack>
  </category>
</index>`, srvURL)
}

// testEnv wires a fresh Registry, Config, Root, and an httptest server
// serving both the remote's index document and its package files, so
// Synchronize/RunTasks exercise the whole stack end to end.
type testEnv struct {
	reg  *registry.Registry
	cfg  *reapackconfig.Config
	root *fsroot.Root
	srv  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/index.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(indexDoc(srv.URL)))
	})
	mux.HandleFunc("/hello_1.lua", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("print('hi')"))
	})

	cfg := reapackconfig.Default()
	require.NoError(t, cfg.SetRemote(reapackconfig.Remote{
		Name:        "Test Repo",
		URL:         srv.URL + "/index.xml",
		Enabled:     true,
		AutoInstall: reapackconfig.AutoInstallOn,
	}))

	return &testEnv{
		reg:  reg,
		cfg:  cfg,
		root: fsroot.NewMemRoot("/install"),
		srv:  srv,
	}
}

func (e *testEnv) newTransaction(t *testing.T) *Transaction {
	t.Helper()
	tx, err := New(Options{
		Registry: e.reg,
		Pool:     downloadpool.New(downloadpool.WithWorkers(2)),
		Root:     e.root,
		Host:     hostapi.NewLoggingHost(e.root, nil),
		Config:   e.cfg,
	})
	require.NoError(t, err)
	return tx
}

func TestSynchronizeInstallsNewPackage(t *testing.T) {
	env := newTestEnv(t)
	tx := env.newTransaction(t)

	require.NoError(t, tx.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))
	require.True(t, tx.Enabled())

	result, err := tx.RunTasks()
	require.NoError(t, err)
	require.False(t, result.Cancelled)
	require.False(t, result.Receipt.HasErrors())

	tickets := result.Receipt.Tickets()
	require.Len(t, tickets, 1)
	require.Equal(t, "install", tickets[0].Type.String())

	require.True(t, env.root.Exists("Scripts/Test Repo/Scripts Category/hello_1.lua"))

	entry, err := env.reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.NoError(t, err)
	require.Equal(t, "1.0", entry.Version)
}

func TestSynchronizeSkipsUpToDateEntry(t *testing.T) {
	env := newTestEnv(t)

	first := env.newTransaction(t)
	require.NoError(t, first.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))
	_, err := first.RunTasks()
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := env.newTransaction(t)
	require.NoError(t, second.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))
	require.False(t, second.Enabled())

	result, err := second.RunTasks()
	require.NoError(t, err)
	require.Empty(t, result.Receipt.Tickets())
}

func TestSynchronizeSkipsWhenAutoInstallOff(t *testing.T) {
	env := newTestEnv(t)
	r, _ := env.cfg.Remote("Test Repo")
	r.AutoInstall = reapackconfig.AutoInstallOff
	require.NoError(t, env.cfg.SetRemote(r))

	tx := env.newTransaction(t)
	require.NoError(t, tx.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))
	require.False(t, tx.Enabled())
}

func TestUninstallRemovesEveryOwnedEntry(t *testing.T) {
	env := newTestEnv(t)

	install := env.newTransaction(t)
	require.NoError(t, install.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))
	_, err := install.RunTasks()
	require.NoError(t, err)
	require.NoError(t, install.Close())

	remove := env.newTransaction(t)
	require.NoError(t, remove.Uninstall("Test Repo"))
	result, err := remove.RunTasks()
	require.NoError(t, err)

	tickets := result.Receipt.Tickets()
	require.Len(t, tickets, 1)
	require.Equal(t, "remove", tickets[0].Type.String())

	_, err = env.reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestUninstallRefusesProtectedRemote(t *testing.T) {
	env := newTestEnv(t)
	r, _ := env.cfg.Remote("Test Repo")
	r.Protected = true
	require.NoError(t, env.cfg.SetRemote(r))

	install := env.newTransaction(t)
	require.NoError(t, install.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))
	_, err := install.RunTasks()
	require.NoError(t, err)

	remove := env.newTransaction(t)
	require.NoError(t, remove.Uninstall("Test Repo"))
	require.False(t, remove.Enabled())

	entry, err := env.reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestPinFlipsEntryWithoutDownload(t *testing.T) {
	env := newTestEnv(t)

	install := env.newTransaction(t)
	require.NoError(t, install.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))
	_, err := install.RunTasks()
	require.NoError(t, err)
	require.NoError(t, install.Close())

	entry, err := env.reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.NoError(t, err)
	require.False(t, entry.Pinned)

	tx := env.newTransaction(t)
	tx.Pin(entry, true)
	result, err := tx.RunTasks()
	require.NoError(t, err)
	require.Len(t, result.Receipt.Tickets(), 1)

	got, err := env.reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.NoError(t, err)
	require.True(t, got.Pinned)
}

func TestCancelBeforeRunTasksRollsEverythingBack(t *testing.T) {
	env := newTestEnv(t)
	tx := env.newTransaction(t)

	require.NoError(t, tx.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))
	tx.Cancel()

	result, err := tx.RunTasks()
	require.NoError(t, err)
	require.True(t, result.Cancelled)

	_, err = env.reg.GetEntry("Test Repo", "Scripts Category", "hello.lua")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRunTasksSecondCallRunsZeroTasks(t *testing.T) {
	env := newTestEnv(t)
	tx := env.newTransaction(t)
	require.NoError(t, tx.Synchronize("Test Repo", reapackconfig.AutoInstallInherit))

	_, err := tx.RunTasks()
	require.NoError(t, err)

	_, err = tx.RunTasks()
	require.NoError(t, err) // second call just runs zero tasks, not an error
}

func TestIndexCacheCoalescesConcurrentFetches(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/index.xml", func(w http.ResponseWriter, r *http.Request) {
		hits++
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(indexDoc(srv.URL)))
	})

	pool := downloadpool.New(downloadpool.WithWorkers(4))
	defer pool.Shutdown()
	cache := NewIndexCache(pool, 8, time.Minute)

	remote := reapackconfig.Remote{Name: "Test Repo", URL: srv.URL + "/index.xml"}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := cache.Fetch(remote, false)
			results <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
	require.Equal(t, 1, hits)
}

func TestCleanStaleCacheRemovesTmpFiles(t *testing.T) {
	root := fsroot.NewMemRoot("/install")
	require.NoError(t, root.WriteFile(CacheDir+"/Test Repo.xml.tmp", []byte("partial")))
	require.NoError(t, root.WriteFile(CacheDir+"/Test Repo.xml", []byte("<index/>")))

	require.NoError(t, CleanStaleCache(root))

	require.False(t, root.Exists(CacheDir+"/Test Repo.xml.tmp"))
	require.True(t, root.Exists(CacheDir+"/Test Repo.xml"))
}
