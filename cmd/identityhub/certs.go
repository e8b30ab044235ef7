package main

import (
	"fmt"
	"path/filepath"

	"github.com/atinyakov/identityhub/internal/certgen"
	"github.com/spf13/cobra"
)

func certsCmd() *cobra.Command {
	var (
		dir     string
		host    string
		clients []string
	)
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA, a server and client certificates for the status API",
		Args:  cobra.NoArgs,
		// needs neither config nor vault
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeCerts(dir, host, clients); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificates generated into %s\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "out", "certs", "output directory")
	cmd.Flags().StringVar(&host, "host", "localhost", "server host name or IP")
	cmd.Flags().StringSliceVar(&clients, "client", []string{"operator"}, "client certificate common names")
	return cmd
}

// writeCerts reuses ca.crt/ca.key in dir when present.
func writeCerts(dir, host string, clients []string) error {
	ca, err := certgen.LoadCA(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	if err != nil {
		if ca, err = certgen.NewCA("identityhub CA"); err != nil {
			return err
		}
		if err := certgen.WriteFiles(dir, "ca", ca); err != nil {
			return err
		}
	}

	server, err := certgen.Issue(host, ca, certgen.UsageServer)
	if err != nil {
		return err
	}
	if err := certgen.WriteFiles(dir, "server", server); err != nil {
		return err
	}

	for _, name := range clients {
		client, err := certgen.Issue(name, ca, certgen.UsageClient)
		if err != nil {
			return err
		}
		if err := certgen.WriteFiles(dir, name, client); err != nil {
			return err
		}
	}
	return nil
}
