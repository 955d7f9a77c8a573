// Package cmd implements the reapack-cli command tree: a thin cobra
// front-end over internal/transaction and internal/registry, standing in
// for the CLI-facing scripting bridge spec.md §1 treats as an external
// collaborator.
package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reapack/reapack-core/internal/fsroot"
	"github.com/reapack/reapack-core/internal/reapackconfig"
	"github.com/reapack/reapack-core/internal/registry"
	"github.com/reapack/reapack-core/pkg/logger"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var cfgViper = viper.New()

var rootCmd = &cobra.Command{
	Use:   "reapack-cli",
	Short: "Manage REAPER packages from the command line",
	Long: `reapack-cli drives the ReaPack package-management core outside of
REAPER's own UI: synchronizing remotes, installing and pinning packages,
and listing what's installed, against the same local registry.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build metadata shown by the version command.
func SetVersion(v, bt, gc string) {
	version, buildTime, gitCommit = v, bt, gc
}

func init() {
	rootCmd.PersistentFlags().String("root", "", "install root directory (default: ./.reapack)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text, json")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (rotated); defaults to stderr")
	rootCmd.PersistentFlags().Int("workers", 0, "download pool worker count (default 4)")
	rootCmd.PersistentFlags().Int("rate-limit", 0, "aggregate download rate cap in bytes/sec (0 = unlimited)")

	_ = cfgViper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = cfgViper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = cfgViper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = cfgViper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = cfgViper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	_ = cfgViper.BindPFlag("rate_limit", rootCmd.PersistentFlags().Lookup("rate-limit"))
	cfgViper.SetEnvPrefix("reapack")
	cfgViper.AutomaticEnv()

	rootCmd.AddCommand(syncCmd, listCmd, pinCmd, remoteCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reapack-cli %s (%s, %s)\n", version, gitCommit, buildTime)
	},
}

// installRoot resolves the configured install root, defaulting to
// ./.reapack under the current working directory.
func installRoot() string {
	if r := cfgViper.GetString("root"); r != "" {
		return r
	}
	cwd, err := filepath.Abs(".")
	if err != nil {
		return ".reapack"
	}
	return filepath.Join(cwd, ".reapack")
}

func buildLogger() *slog.Logger {
	output := "stderr"
	if cfgViper.GetString("log.file") != "" {
		output = "file"
	}
	return logger.NewLogger(logger.Config{
		Level:      cfgViper.GetString("log.level"),
		Format:     cfgViper.GetString("log.format"),
		Output:     output,
		Filename:   cfgViper.GetString("log.file"),
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
	})
}

// bootstrap opens the install root, the ReaPack.ini config and the
// registry database that every subcommand operates against.
func bootstrap() (*fsroot.Root, *reapackconfig.Config, *registry.Registry, *slog.Logger, error) {
	log := buildLogger()

	root := fsroot.NewOSRoot(installRoot())
	if err := root.MkdirAll("ReaPack/registry.db"); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create install root: %w", err)
	}

	cfgPath, err := root.Resolve("ReaPack.ini")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cfg, err := reapackconfig.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	dbPath, err := root.Resolve("ReaPack/registry.db")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	reg, err := registry.Open(dbPath, log)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open registry: %w", err)
	}

	return root, cfg, reg, log, nil
}

func configPath(root *fsroot.Root) string {
	p, _ := root.Resolve("ReaPack.ini")
	return p
}
