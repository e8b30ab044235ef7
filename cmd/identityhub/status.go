package main

import (
	"encoding/json"

	"github.com/atinyakov/identityhub/internal/client"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var (
		server string
		files  client.TLSFiles
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the status API of a running identityhub",
		Args:  cobra.NoArgs,
		// talks to a remote instance, needs neither config nor vault
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(server, files)
			if err != nil {
				return err
			}
			resp, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "base URL of the identityhub")
	cmd.Flags().StringVar(&files.CertFile, "cert", "", "client certificate")
	cmd.Flags().StringVar(&files.KeyFile, "key", "", "client key")
	cmd.Flags().StringVar(&files.CAFile, "ca", "", "CA of the server certificate")
	return cmd
}
