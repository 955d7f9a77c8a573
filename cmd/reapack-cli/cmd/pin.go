package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reapack/reapack-core/internal/downloadpool"
	"github.com/reapack/reapack-core/internal/hostapi"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/transaction"
)

var pinCmd = &cobra.Command{
	Use:   "pin <remote/category/name>",
	Short: "Set the pinned flag on an installed package",
	Long: `Pin marks an installed package as pinned. The flag is kept when sync
upgrades the package; sync still upgrades a pinned package when a newer
version is listed. Pass --unpin to clear the flag instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runPin,
}

func init() {
	pinCmd.Flags().Bool("unpin", false, "clear the pinned flag instead of setting it")
}

func runPin(cmd *cobra.Command, args []string) error {
	remote, category, name, err := splitFullName(args[0])
	if err != nil {
		return err
	}

	root, cfg, reg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer reg.Close()

	entry, err := reg.GetEntry(remote, category, name)
	if err != nil {
		return fmt.Errorf("pin %s: %w", args[0], err)
	}

	unpin, _ := cmd.Flags().GetBool("unpin")

	tx, err := transaction.New(transaction.Options{
		Registry: reg,
		Pool:     downloadpool.New(downloadpool.WithWorkers(1)),
		Root:     root,
		Host:     hostapi.NewLoggingHost(root, log),
		Config:   cfg,
		Platform: index.HostPlatform(),
		Logger:   log,
	})
	if err != nil {
		return err
	}

	tx.Pin(entry, !unpin)

	result, err := tx.RunTasks()
	if err != nil {
		return err
	}
	printReceipt(result)
	return nil
}

// splitFullName parses "remote/category/name" into its three parts.
func splitFullName(s string) (remote, category, name string, err error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("expected remote/category/name, got %q", s)
	}
	return parts[0], parts[1], parts[2], nil
}
