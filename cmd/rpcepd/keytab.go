package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kardianos/rpcrt/rauth/secretauth"
	"github.com/kardianos/rpcrt/rstore"
)

func openKeytab() (*Config, *secretauth.Keytab, error) {
	cfg, _, err := setup()
	if err != nil {
		return nil, nil, err
	}
	ds, err := rstore.Open(cfg.Keytab)
	if err != nil {
		return nil, nil, fmt.Errorf("open keytab: %w", err)
	}
	return cfg, secretauth.NewKeytab(ds), nil
}

var keytabCmd = &cobra.Command{
	Use:   "keytab",
	Short: "Manage shared secrets",
}

var keytabAddCmd = &cobra.Command{
	Use:   "add <principal>",
	Short: "Add or replace the secret of a principal",
	Long: `Add or replace the secret of a principal. The secret is read from
--secret-file, or from standard input when it is not set. With --generate
a random secret is stored and printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, kt, err := openKeytab()
		if err != nil {
			return err
		}
		generate, _ := cmd.Flags().GetBool("generate")

		var secret []byte
		switch {
		case generate:
			b := make([]byte, 32)
			if _, err := rand.Read(b); err != nil {
				return err
			}
			secret = []byte(hex.EncodeToString(b))
		case cfg.SecretFile != "":
			secret, err = os.ReadFile(cfg.SecretFile)
		default:
			secret, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}
		secret = bytes.TrimSpace(secret)
		if err := kt.Add(args[0], secret); err != nil {
			return err
		}
		if generate {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", secret)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored secret for %s\n", args[0])
		return nil
	},
}

var keytabRemoveCmd = &cobra.Command{
	Use:   "remove <principal>",
	Short: "Remove the secret of a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, kt, err := openKeytab()
		if err != nil {
			return err
		}
		return kt.Remove(args[0])
	},
}

var keytabListCmd = &cobra.Command{
	Use:   "list",
	Short: "List principals with a secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, kt, err := openKeytab()
		if err != nil {
			return err
		}
		ps, err := kt.Principals()
		if err != nil {
			return err
		}
		for _, p := range ps {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	keytabAddCmd.Flags().Bool("generate", false, "store and print a random secret")
	keytabCmd.AddCommand(keytabAddCmd, keytabRemoveCmd, keytabListCmd)
}
