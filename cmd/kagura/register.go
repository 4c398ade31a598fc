package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kagura/internal/registry"
)

// register bootstraps a tenant directly against the state files. Used to
// create the main group before the daemon ever runs; after that,
// registration flows through the control plane.
var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a tenant group",
	RunE: func(cmd *cobra.Command, args []string) error {
		jid, _ := cmd.Flags().GetString("jid")
		folder, _ := cmd.Flags().GetString("folder")
		name, _ := cmd.Flags().GetString("name")

		persister, err := registry.NewFilePersister(cfg.Registry.StatePath)
		if err != nil {
			return err
		}
		tenants := registry.NewStore(cfg.Registry.MainFolder, persister)
		if err := tenants.Load(); err != nil {
			return err
		}

		t, err := tenants.Register(jid, folder, name)
		if err != nil {
			return err
		}

		fmt.Printf("registered %s (folder %s)\n", t.JID, t.Folder)
		if tenants.IsMain(t.Folder) {
			fmt.Println("this is the main group")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().String("jid", "", "chat identifier of the group")
	registerCmd.Flags().String("folder", "", "tenant folder id (lowercase, digits, hyphens)")
	registerCmd.Flags().String("name", "", "display name")
	_ = registerCmd.MarkFlagRequired("jid")
	_ = registerCmd.MarkFlagRequired("folder")
}
