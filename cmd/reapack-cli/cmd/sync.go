package cmd

import (
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/reapack/reapack-core/internal/downloadpool"
	"github.com/reapack/reapack-core/internal/hostapi"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/reapackconfig"
	"github.com/reapack/reapack-core/internal/transaction"
)

var syncCmd = &cobra.Command{
	Use:   "sync [remote...]",
	Short: "Synchronize one or more remotes, installing updates",
	Long: `Synchronize fetches each named remote's index (or every enabled remote
if none are named), installs packages newly available with auto-install
on, and upgrades already-installed packages whose latest version or
owned files have drifted.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("force", false, "re-fetch indexes even if the cached copy is still fresh")
}

func runSync(cmd *cobra.Command, args []string) error {
	root, cfg, reg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := transaction.CleanStaleCache(root); err != nil {
		log.Warn("cache cleanup failed", "error", err)
	}

	workers := cfgViper.GetInt("workers")
	var poolOpts []downloadpool.Option
	if workers > 0 {
		poolOpts = append(poolOpts, downloadpool.WithWorkers(workers))
	}
	if limit := cfgViper.GetInt("rate_limit"); limit > 0 {
		poolOpts = append(poolOpts, downloadpool.WithRateLimit(limit))
	}
	pool := downloadpool.New(poolOpts...)

	tx, err := transaction.New(transaction.Options{
		Registry: reg,
		Pool:     pool,
		Root:     root,
		Host:     hostapi.NewLoggingHost(root, log),
		Config:   cfg,
		Platform: index.HostPlatform(),
		Logger:   log,
	})
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		for _, r := range cfg.Remotes {
			if r.Enabled {
				names = append(names, r.Name)
			}
		}
	}

	// Retries a Synchronize call that returns an error (an unknown remote
	// or a registry lookup failure). An index fetch failure is not retried
	// here: Synchronize records it in the receipt and returns nil.
	retrySync := func(name string) error {
		return backoff.Retry(func() error {
			return tx.Synchronize(name, reapackconfig.AutoInstallInherit)
		}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2))
	}

	for _, name := range names {
		if err := retrySync(name); err != nil {
			return fmt.Errorf("synchronize %s: %w", name, err)
		}
	}

	result, err := tx.RunTasks()
	if err != nil {
		return err
	}

	printReceipt(result)
	return nil
}

func printReceipt(result *transaction.Result) {
	r := result.Receipt
	if result.Cancelled {
		fmt.Println("Transaction cancelled.")
		return
	}
	if len(r.Tickets()) == 0 && !r.HasErrors() {
		fmt.Println("Nothing to do!")
		return
	}
	for _, t := range r.Tickets() {
		switch {
		case t.OldVersion != "" && t.NewVersion != "":
			fmt.Printf("%s: %s -> %s (%s)\n", t.FullName, t.OldVersion, t.NewVersion, t.Type)
		case t.NewVersion != "":
			fmt.Printf("%s: installed %s (%s)\n", t.FullName, t.NewVersion, t.Type)
		default:
			fmt.Printf("%s: %s\n", t.FullName, t.Type)
		}
	}
	for _, e := range r.Errors() {
		fmt.Printf("error: %s: %s\n", e.Title, e.Message)
	}
	if r.RestartNeeded() {
		fmt.Println("Restart required for extension changes to take effect.")
	}
}
