package reapackconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ReaPack.ini"))
	require.NoError(t, err)
	require.True(t, cfg.General.FirstRun)
	require.Empty(t, cfg.Remotes)
}

func TestSaveThenLoadRoundTripsRemotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ReaPack.ini")

	cfg := Default()
	require.NoError(t, cfg.SetRemote(Remote{
		Name:        "ReaTeam Scripts",
		URL:         "https://example.com/index.xml",
		Enabled:     true,
		Protected:   true,
		AutoInstall: AutoInstallOn,
	}))
	require.NoError(t, cfg.SetRemote(Remote{
		Name:    "My Scripts",
		URL:     "https://example.com/mine.xml",
		Enabled: false,
	}))
	require.NoError(t, cfg.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Remotes, 2)

	official, ok := reloaded.Remote("ReaTeam Scripts")
	require.True(t, ok)
	require.True(t, official.Protected)
	require.Equal(t, AutoInstallOn, official.AutoInstall)

	mine, ok := reloaded.Remote("my scripts")
	require.True(t, ok)
	require.False(t, mine.Enabled)
}

func TestSetRemoteRefusesToOverwriteProtected(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.SetRemote(Remote{Name: "Official", URL: "https://a", Protected: true}))

	err := cfg.SetRemote(Remote{Name: "Official", URL: "https://evil"})
	require.Error(t, err)
}

func TestRemoveRemoteRefusesProtected(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.SetRemote(Remote{Name: "Official", URL: "https://a", Protected: true}))

	err := cfg.RemoveRemote("Official")
	require.Error(t, err)
}

func TestAutoInstallResolve(t *testing.T) {
	require.True(t, AutoInstallOn.Resolve(AutoInstallOff))
	require.False(t, AutoInstallOff.Resolve(AutoInstallOn))
	require.True(t, AutoInstallInherit.Resolve(AutoInstallOn))
	require.False(t, AutoInstallInherit.Resolve(AutoInstallOff))
}

func TestSavePreservesUnknownSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ReaPack.ini")
	require.NoError(t, os.WriteFile(path, []byte("[general]\nauto_install = off\n\n[ui]\ntheme = dark\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "theme")
}
