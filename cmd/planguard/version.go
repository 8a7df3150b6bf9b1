package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planguard/control-plane/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.Load().Version)
	},
}
