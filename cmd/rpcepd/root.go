package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	conf    = newViper()
)

var rootCmd = &cobra.Command{
	Use:   "rpcepd",
	Short: "RPC endpoint mapper",
	Long: `rpcepd keeps the endpoint map: servers register the addresses their
interfaces listen on and clients look them up by interface and object.

Settings are read from --config, then RPCEPD_* environment variables
(RPCEPD_LOG_LEVEL, RPCEPD_SWEEP_INTERVAL, ...), then flags.`,
	SilenceUsage: true,
}

// Execute runs the command line until ctx is done.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"data-dir":         "data_dir",
	"db":               "db",
	"cert":             "cert",
	"keytab":           "keytab",
	"principal":        "principal",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"server":           "server",
	"pin":              "pin",
	"user":             "user",
	"secret-file":      "secret_file",
	"listen":           "listen",
	"min-level":        "min_level",
	"anonymous-writes": "anonymous_writes",
	"sweep-interval":   "sweep.interval",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("data-dir", defaults["data_dir"].(string), "directory holding the database and certificate")
	pf.String("db", "", "endpoint database file (default <data-dir>/epdb.db)")
	pf.String("cert", "", "server certificate (default <data-dir>/cert.pem)")
	pf.String("keytab", defaults["keytab"].(string), "shared secret keytab location")
	pf.String("principal", "", "server principal for shared-secret bindings")
	pf.String("log-level", "info", "trace, debug, info, warn or error")
	pf.String("log-format", "console", "console or json")
	pf.String("server", "", "daemon address for admin commands (default the listen address)")
	pf.String("pin", "", "hex SHA-256 of the daemon certificate (default read from --cert)")
	pf.String("user", "", "principal admin commands bind as")
	pf.String("secret-file", "", "file holding the secret of --user")

	sf := serveCmd.Flags()
	sf.String("listen", defaults["listen"].(string), "UDP address to serve on")
	sf.String("min-level", "default", "lowest protection level accepted for a binding")
	sf.Bool("anonymous-writes", false, "let unauthenticated callers register endpoints")
	sf.Duration("sweep-interval", 0, "probe registered TCP endpoints this often (0 disables)")

	for name, key := range flagKeys {
		f := pf.Lookup(name)
		if f == nil {
			f = sf.Lookup(name)
		}
		if err := conf.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(serveCmd, listCmd, registerCmd, unregisterCmd, exportCmd, importCmd, keytabCmd)
}

// setup loads the configuration and builds the logger for a command.
func setup() (*Config, zerolog.Logger, error) {
	cfg, err := loadConfig(conf, cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.Log, os.Stderr), nil
}
