package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roostd/roost/internal/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show (creating if needed) this device's identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ident, err := identity.LoadOrCreate(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("loading identity: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "device id:  %s\n", ident.DeviceID)
		fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\n", ident.PublicKeyToken())
		fmt.Fprintf(cmd.OutOrStdout(), "created:    %s\n", ident.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
}
