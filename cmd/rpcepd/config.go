package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/kardianos/rpcrt/epdb"
	"github.com/kardianos/rpcrt/liveness"
	"github.com/kardianos/rpcrt/rauth"
	"github.com/kardianos/rpcrt/rstore"
)

// EnvPrefix prefixes every environment override, e.g. RPCEPD_LOG_LEVEL.
const EnvPrefix = "RPCEPD"

// Config is the daemon and admin tool configuration. It is read from an
// optional config file, then the environment, then command line flags.
type Config struct {
	// Listen is the UDP address the daemon serves on.
	Listen  string `mapstructure:"listen" validate:"required"`
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// DB, Cert and Key default to files in DataDir.
	DB   string `mapstructure:"db"`
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	// Hosts are the names put in a newly created certificate.
	Hosts []string `mapstructure:"hosts" validate:"min=1,dive,required"`

	// Keytab is an rstore location holding shared secrets.
	Keytab string `mapstructure:"keytab" validate:"required"`
	// Principal is the server principal for shared-secret bindings. Empty
	// leaves the daemon without a server principal.
	Principal string `mapstructure:"principal"`

	MinLevel        string `mapstructure:"min_level" validate:"oneof=default none connect call pkt pkt-integrity pkt-privacy"`
	AnonymousWrites bool   `mapstructure:"anonymous_writes"`
	// AuthRetry is how long a host is refused after failing to authenticate.
	AuthRetry time.Duration `mapstructure:"auth_retry" validate:"gte=0"`

	MaxEntries   int           `mapstructure:"max_entries" validate:"gte=0"`
	HandleTTL    time.Duration `mapstructure:"handle_ttl" validate:"gte=0"`
	ReapInterval time.Duration `mapstructure:"reap_interval" validate:"gt=0"`

	Liveness LivenessConfig `mapstructure:"liveness"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Log      LogConfig      `mapstructure:"log"`

	// Server and Pin are used by the admin commands to reach a running
	// daemon. Server defaults to Listen and Pin to the fingerprint of Cert.
	Server string `mapstructure:"server"`
	Pin    string `mapstructure:"pin" validate:"omitempty,hexadecimal,len=64"`
	// User and SecretFile are the shared-secret credential the admin
	// commands bind with. Without them they bind anonymously.
	User       string `mapstructure:"user"`
	SecretFile string `mapstructure:"secret_file"`
}

type LivenessConfig struct {
	Grace    time.Duration `mapstructure:"grace" validate:"gt=0"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// SweepConfig controls probing of registered endpoints. A zero Interval
// disables sweeping.
type SweepConfig struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxFailures int           `mapstructure:"max_failures" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

var defaults = map[string]any{
	"listen":             "127.0.0.1:9135",
	"data_dir":           rstore.DefaultStatePath,
	"db":                 "",
	"cert":               "",
	"key":                "",
	"hosts":              []string{"localhost"},
	"keytab":             rstore.DefaultKeytabPath,
	"principal":          "",
	"min_level":          "default",
	"anonymous_writes":   false,
	"auth_retry":         2 * time.Second,
	"max_entries":        0,
	"handle_ttl":         epdb.DefaultHandleTTL,
	"reap_interval":      30 * time.Second,
	"liveness.grace":     liveness.DefaultGrace,
	"liveness.interval":  liveness.DefaultInterval,
	"sweep.interval":     time.Duration(0),
	"sweep.timeout":      2 * time.Second,
	"sweep.max_failures": 3,
	"log.level":          "info",
	"log.format":         "console",
	"server":             "",
	"pin":                "",
	"user":               "",
	"secret_file":        "",
}

// newViper returns a viper instance with every key defaulted and
// environment overrides enabled.
func newViper() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads file, if set, into v and decodes and validates the
// result.
func loadConfig(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.fill()
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fill() {
	if c.DB == "" {
		c.DB = filepath.Join(c.DataDir, "epdb.db")
	}
	if c.Cert == "" {
		c.Cert = filepath.Join(c.DataDir, "cert.pem")
	}
	if c.Key == "" {
		c.Key = filepath.Join(c.DataDir, "key.pem")
	}
	if c.Server == "" {
		c.Server = c.Listen
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(c *Config) error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	name := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "oneof":
		return name + " must be one of: " + fe.Param()
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got %v)", name, fe.Param(), fe.Value())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s (got %v)", name, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s is invalid (%s)", name, fe.Tag())
	}
}

// protectLevel parses a level name as written by rauth.ProtectLevel.String.
func protectLevel(s string) (rauth.ProtectLevel, error) {
	for l := rauth.LevelDefault; l <= rauth.LevelPktPrivacy; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown protection level %q", s)
}
