package hostapi

import (
	"log/slog"

	"github.com/reapack/reapack-core/internal/fsroot"
)

// LoggingHost is a Host implementation for running the core outside its
// native host process (the CLI, and tests that don't need to assert on
// specific callback invocations): filesystem checks delegate to the
// install root, and every registration callback logs at Info and
// reports success.
type LoggingHost struct {
	root   *fsroot.Root
	logger *slog.Logger
}

// NewLoggingHost creates a LoggingHost resolving paths against root.
func NewLoggingHost(root *fsroot.Root, logger *slog.Logger) *LoggingHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHost{root: root, logger: logger}
}

func (h *LoggingHost) ResourcePath() string { return h.root.Base() }

func (h *LoggingHost) FileExists(path string) bool { return h.root.Exists(path) }

func (h *LoggingHost) RecursiveCreateDirectory(path string) bool {
	return h.root.MkdirAll(path) == nil
}

func (h *LoggingHost) ShowMessageBox(message, title string) {
	h.logger.Info("host message", "title", title, "message", message)
}

func (h *LoggingHost) AddRemoveReaScript(add bool, section Section, fullPath string, commit bool) bool {
	h.logger.Info("host script registration", "add", add, "section", section, "path", fullPath, "commit", commit)
	return true
}

func (h *LoggingHost) NamedCommandLookup(name string) int {
	return 0
}

func (h *LoggingHost) PluginRegister(name string, info any) int {
	h.logger.Info("host plugin register", "name", name)
	return 1
}
