package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kardianos/rpcrt/epdb"
)

// openOffline opens the database file directly. It fails after a short wait
// while a daemon holds it.
func openOffline(cfg *Config) (*epdb.DB, error) {
	db, err := epdb.Open(cfg.DB, epdb.Options{OpenTimeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w (is the daemon running?)", err)
	}
	return db, nil
}

var exportCmd = &cobra.Command{
	Use:   "export <image>",
	Short: "Write the endpoint database to an image file",
	Long:  "Write the endpoint database to an image file. The daemon must be stopped.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		db, err := openOffline(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Export(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", db.Len(), args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <image>",
	Short: "Load an image file into the endpoint database",
	Long: `Load an image file into the endpoint database. Entries with the same key
are replaced. The daemon must be stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		db, err := openOffline(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := db.Import(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries from %s\n", n, args[0])
		return nil
	},
}
