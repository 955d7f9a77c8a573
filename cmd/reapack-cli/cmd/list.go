package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/reapack/reapack-core/internal/registry"
)

var listCmd = &cobra.Command{
	Use:   "list [remote]",
	Short: "List installed packages",
	Long: `List prints every installed package, across all configured remotes
unless one is named, with its version and pin state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	_, cfg, reg, _, err := bootstrap()
	if err != nil {
		return err
	}
	defer reg.Close()

	var remotes []string
	if len(args) == 1 {
		remotes = []string{args[0]}
	} else {
		for _, r := range cfg.Remotes {
			remotes = append(remotes, r.Name)
		}
	}

	var entries []*registry.Entry
	for _, name := range remotes {
		es, err := reg.GetEntries(name)
		if err != nil {
			return fmt.Errorf("list %s: %w", name, err)
		}
		entries = append(entries, es...)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Remote != entries[j].Remote {
			return entries[i].Remote < entries[j].Remote
		}
		return entries[i].FullName() < entries[j].FullName()
	})

	if len(entries) == 0 {
		fmt.Println("No packages installed.")
		return nil
	}
	for _, e := range entries {
		pin := ""
		if e.Pinned {
			pin = " [pinned]"
		}
		fmt.Printf("%-20s %-40s %-10s%s\n", e.Remote, e.FullName(), e.Version, pin)
	}
	return nil
}
