// Package reapackconfig parses and writes ReaPack.ini, the small
// INI-style file persisting general install options and the list of
// configured remotes.
package reapackconfig

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// AutoInstall is the tri-state automatic-install preference a Remote
// can declare, inheriting the general default when unset.
type AutoInstall int

const (
	AutoInstallInherit AutoInstall = iota
	AutoInstallOn
	AutoInstallOff
)

func (a AutoInstall) String() string {
	switch a {
	case AutoInstallOn:
		return "on"
	case AutoInstallOff:
		return "off"
	default:
		return "inherit"
	}
}

func parseAutoInstall(s string) AutoInstall {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1":
		return AutoInstallOn
	case "off", "false", "0":
		return AutoInstallOff
	default:
		return AutoInstallInherit
	}
}

// Resolve returns the effective tri-state for this remote: its own
// setting when explicit, otherwise the general default.
func (a AutoInstall) Resolve(generalDefault AutoInstall) bool {
	switch a {
	case AutoInstallOn:
		return true
	case AutoInstallOff:
		return false
	default:
		return generalDefault == AutoInstallOn
	}
}

// Remote is a named, URL-addressed repository configured locally.
type Remote struct {
	Name        string
	URL         string
	Enabled     bool
	Protected   bool // cannot be uninstalled or overwritten on import
	AutoInstall AutoInstall
}

// General holds the [general] section's install options.
type General struct {
	AutoInstall AutoInstall
	FirstRun    bool
}

// Config is the parsed content of ReaPack.ini.
type Config struct {
	General General
	Remotes []Remote

	file *ini.File // retained so unknown keys round-trip on Save
}

// Default returns the configuration a fresh install starts from: a
// single enabled, unprotected official remote is left to callers to
// seed; Default only sets FirstRun and turns general auto-install off.
func Default() *Config {
	return &Config{General: General{AutoInstall: AutoInstallOff, FirstRun: true}}
}

// Load reads path. If it does not exist yet, Load returns a Config with
// FirstRun set and no remotes (a missing config file is a clean first
// run, not a ConfigError).
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Loose: true, Insensitive: false}, path)
	if err != nil {
		return nil, fmt.Errorf("reapackconfig: load %s: %w", path, err)
	}

	cfg := &Config{file: f}

	gs := f.Section("general")
	cfg.General.AutoInstall = parseAutoInstall(gs.Key("auto_install").String())
	cfg.General.FirstRun = gs.Key("first_run").MustBool(true)

	rs := f.Section("remotes")
	for _, key := range rs.Keys() {
		remote, err := parseRemoteLine(key.Name(), key.String())
		if err != nil {
			return nil, err
		}
		cfg.Remotes = append(cfg.Remotes, remote)
	}

	return cfg, nil
}

// parseRemoteLine decodes one "[remotes]" entry of the form
// name|url|enabled|autoinstall|protected. name is the INI key; the
// value carries the rest of the fields pipe-separated, matching
// spec.md's on-disk layout.
func parseRemoteLine(name, value string) (Remote, error) {
	parts := strings.Split(value, "|")
	if len(parts) < 2 {
		return Remote{}, fmt.Errorf("reapackconfig: malformed remote line for %q", name)
	}

	r := Remote{Name: name, URL: parts[0], Enabled: true}
	if len(parts) > 1 {
		r.Enabled = parts[1] != "0"
	}
	if len(parts) > 2 {
		r.AutoInstall = parseAutoInstall(parts[2])
	}
	if len(parts) > 3 {
		r.Protected = parts[3] == "1"
	}
	return r, nil
}

func remoteLine(r Remote) string {
	enabled := "0"
	if r.Enabled {
		enabled = "1"
	}
	protected := "0"
	if r.Protected {
		protected = "1"
	}
	return strings.Join([]string{r.URL, enabled, r.AutoInstall.String(), protected}, "|")
}

// Save writes cfg back to path, touching only the [general] and
// [remotes] sections; every other section and unknown key already
// present in the loaded file is preserved unchanged.
func (c *Config) Save(path string) error {
	f := c.file
	if f == nil {
		f = ini.Empty()
	}

	gs := f.Section("general")
	gs.Key("auto_install").SetValue(c.General.AutoInstall.String())
	gs.Key("first_run").SetValue(strconv.FormatBool(c.General.FirstRun))

	rs := f.Section("remotes")
	for _, k := range rs.Keys() {
		rs.DeleteKey(k.Name())
	}
	for _, r := range c.Remotes {
		rs.Key(r.Name).SetValue(remoteLine(r))
	}

	c.file = f
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("reapackconfig: save %s: %w", path, err)
	}
	return nil
}

// Remote looks up a configured remote by case-insensitive name.
func (c *Config) Remote(name string) (Remote, bool) {
	for _, r := range c.Remotes {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Remote{}, false
}

// SetRemote inserts or replaces the remote with the same
// case-insensitive name; a protected remote already present is refused
// per spec.md's "cannot be overwritten on import" invariant.
func (c *Config) SetRemote(r Remote) error {
	for i, existing := range c.Remotes {
		if strings.EqualFold(existing.Name, r.Name) {
			if existing.Protected {
				return fmt.Errorf("reapackconfig: remote %q is protected and cannot be overwritten", r.Name)
			}
			c.Remotes[i] = r
			return nil
		}
	}
	c.Remotes = append(c.Remotes, r)
	return nil
}

// RemoveRemote deletes the named remote. Removing a protected remote is
// refused.
func (c *Config) RemoveRemote(name string) error {
	for i, r := range c.Remotes {
		if strings.EqualFold(r.Name, name) {
			if r.Protected {
				return fmt.Errorf("reapackconfig: remote %q is protected and cannot be removed", name)
			}
			c.Remotes = append(c.Remotes[:i], c.Remotes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("reapackconfig: remote %q not found", name)
}
