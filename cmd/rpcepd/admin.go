package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kardianos/rpcrt/epdb"
	"github.com/kardianos/rpcrt/epmap"
	"github.com/kardianos/rpcrt/rauth/secretauth"
	"github.com/kardianos/rpcrt/rquic"
)

// dialMapper binds an endpoint mapper association on the daemon at
// cfg.Server. The returned func closes it.
func dialMapper(ctx context.Context, cfg *Config) (*epmap.Client, func(), error) {
	var (
		pin rquic.Fingerprint
		err error
	)
	if cfg.Pin != "" {
		pin, err = rquic.ParseFingerprint(cfg.Pin)
	} else {
		pin, err = rquic.FingerprintFile(cfg.Cert)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("server pin: %w", err)
	}

	opt := rquic.ClientOpt{Addr: cfg.Server, Pin: &pin}
	if cfg.SecretFile != "" {
		if cfg.User == "" {
			return nil, nil, errors.New("secret_file is set without user")
		}
		secret, err := os.ReadFile(cfg.SecretFile)
		if err != nil {
			return nil, nil, err
		}
		opt.Credential = secretauth.Credential(cfg.User, bytes.TrimSpace(secret), time.Now)
	}
	rc := rquic.NewClient(opt)
	c, err := epmap.Bind(ctx, rc)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		rc.Close()
	}, nil
}

// parseVersion parses "major.minor"; a bare major means minor zero.
func parseVersion(s string) (major, minor uint16, err error) {
	ma, mi, found := strings.Cut(s, ".")
	v, err := strconv.ParseUint(ma, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("version %q: %w", s, err)
	}
	major = uint16(v)
	if found {
		v, err = strconv.ParseUint(mi, 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("version %q: %w", s, err)
		}
		minor = uint16(v)
	}
	return major, minor, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

func printEntries(w io.Writer, entries []epdb.Entry) {
	for _, e := range entries {
		obj := "-"
		if e.Object != uuid.Nil {
			obj = e.Object.String()
		}
		fmt.Fprintf(w, "%s  object=%s  proto=%d  %s", e.Interface, obj, e.Protocol.ID, e.Addr)
		if e.Annotation != "" {
			fmt.Fprintf(w, "  %q", e.Annotation)
		}
		fmt.Fprintln(w)
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List endpoints registered with a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		f := cmd.Flags()
		ifStr, _ := f.GetString("interface")
		objStr, _ := f.GetString("object")

		var q epmap.LookupArgs
		if q.Object, err = parseUUID(objStr); err != nil {
			return err
		}
		if q.Interface.UUID, err = parseUUID(ifStr); err != nil {
			return err
		}
		switch {
		case q.Interface.UUID != uuid.Nil:
			q.Inquiry = epdb.IndexInterface
		case q.Object != uuid.Nil:
			q.Inquiry = epdb.IndexObject
		}

		c, done, err := dialMapper(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer done()
		entries, err := c.Lookup(cmd.Context(), q)
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

// entryFlags are shared by register and unregister.
func entryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("interface", "", "interface UUID")
	f.String("version", "1.0", "interface version major.minor")
	f.String("object", "", "object UUID")
	f.Uint8("protocol", protoTCP, "protocol tower floor value")
	f.String("addr", "", "endpoint address")
	cmd.MarkFlagRequired("interface")
	cmd.MarkFlagRequired("addr")
}

func entryFromFlags(cmd *cobra.Command) (epdb.Entry, error) {
	var e epdb.Entry
	f := cmd.Flags()
	ifStr, _ := f.GetString("interface")
	vers, _ := f.GetString("version")
	objStr, _ := f.GetString("object")
	proto, _ := f.GetUint8("protocol")
	e.Addr, _ = f.GetString("addr")
	if f.Lookup("annotation") != nil {
		e.Annotation, _ = f.GetString("annotation")
	}

	var err error
	if e.Interface.UUID, err = parseUUID(ifStr); err != nil {
		return e, err
	}
	if e.Interface.UUID == uuid.Nil {
		return e, errors.New("interface UUID must not be nil")
	}
	if e.Interface.Major, e.Interface.Minor, err = parseVersion(vers); err != nil {
		return e, err
	}
	if e.Object, err = parseUUID(objStr); err != nil {
		return e, err
	}
	e.Protocol.ID = proto
	return e, nil
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an endpoint with a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		e, err := entryFromFlags(cmd)
		if err != nil {
			return err
		}
		replace, _ := cmd.Flags().GetBool("replace")

		c, done, err := dialMapper(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer done()
		if err := c.Insert(cmd.Context(), replace, e); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s at %s\n", e.Interface, e.Addr)
		return nil
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Remove an endpoint from a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		e, err := entryFromFlags(cmd)
		if err != nil {
			return err
		}
		c, done, err := dialMapper(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer done()
		if err := c.Delete(cmd.Context(), e); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s at %s\n", e.Interface, e.Addr)
		return nil
	},
}

func init() {
	listCmd.Flags().String("interface", "", "only entries for this interface UUID")
	listCmd.Flags().String("object", "", "only entries for this object UUID")

	entryFlags(registerCmd)
	registerCmd.Flags().String("annotation", "", "free text shown by list")
	registerCmd.Flags().Bool("replace", false, "overwrite an entry with the same key")

	entryFlags(unregisterCmd)
}
