package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/subscriber-dash/authcore/internal/infra"
)

func migrateCmd(e *env) *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long:  `Apply the embedded schema. Every statement is idempotent, so the command is safe to re-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), infra.Schema())
				return nil
			}
			db, closeDB, err := e.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			if err := infra.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the schema instead of applying it")

	return cmd
}
