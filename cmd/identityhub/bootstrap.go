package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func bootstrapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Migrate and ensure the super-user, print the result as JSON and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
