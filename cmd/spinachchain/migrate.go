package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		srv, _, _ := newServer(cmd.Context(), cmd)
		return srv.Migrate(cmd.Context())
	},
}
