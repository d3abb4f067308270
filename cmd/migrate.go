package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run catalog store migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		gw, err := initGateway(cmd.Context())
		if err != nil {
			return err
		}
		defer gw.Close() //nolint:errcheck

		fmt.Fprintln(os.Stderr, "Migrations applied.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
