package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roostd/roost/internal/orchestrator"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the roost version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "roost version %s\n", orchestrator.ClientVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
