package main

import (
	"encoding/json"

	"github.com/atinyakov/identityhub/internal/migration"
	"github.com/spf13/cobra"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [subsystem...]",
		Short:     "Apply pending schema migrations (all subsystems when none given)",
		ValidArgs: migration.Subsystems,
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subsystems := args
			if len(subsystems) == 0 {
				subsystems = migration.Subsystems
			}
			results, err := a.newRunner().MigrateAll(cmd.Context(), a.vault, subsystems...)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
}
