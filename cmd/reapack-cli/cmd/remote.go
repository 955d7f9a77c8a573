package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reapack/reapack-core/internal/reapackconfig"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage configured remotes",
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured remotes",
	RunE:  runRemoteList,
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add or replace a remote",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemoteAdd,
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a configured remote",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteRemove,
}

func init() {
	remoteAddCmd.Flags().Bool("disabled", false, "add the remote without enabling it")
	remoteCmd.AddCommand(remoteListCmd, remoteAddCmd, remoteRemoveCmd)
}

func runRemoteList(cmd *cobra.Command, args []string) error {
	_, cfg, reg, _, err := bootstrap()
	if err != nil {
		return err
	}
	defer reg.Close()

	if len(cfg.Remotes) == 0 {
		fmt.Println("No remotes configured.")
		return nil
	}
	for _, r := range cfg.Remotes {
		status := "enabled"
		if !r.Enabled {
			status = "disabled"
		}
		protected := ""
		if r.Protected {
			protected = " [protected]"
		}
		fmt.Printf("%-20s %-50s %s%s\n", r.Name, r.URL, status, protected)
	}
	return nil
}

func runRemoteAdd(cmd *cobra.Command, args []string) error {
	root, cfg, reg, _, err := bootstrap()
	if err != nil {
		return err
	}
	defer reg.Close()

	disabled, _ := cmd.Flags().GetBool("disabled")
	r := reapackconfig.Remote{
		Name:    args[0],
		URL:     args[1],
		Enabled: !disabled,
	}
	if err := cfg.SetRemote(r); err != nil {
		return err
	}
	if err := cfg.Save(configPath(root)); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Added remote %q\n", r.Name)
	return nil
}

func runRemoteRemove(cmd *cobra.Command, args []string) error {
	root, cfg, reg, _, err := bootstrap()
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := cfg.RemoveRemote(args[0]); err != nil {
		return err
	}
	if err := cfg.Save(configPath(root)); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Removed remote %q\n", args[0])
	return nil
}
