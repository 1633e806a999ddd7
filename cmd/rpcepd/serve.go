package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kardianos/rpcrt/assoc"
	"github.com/kardianos/rpcrt/epdb"
	"github.com/kardianos/rpcrt/epmap"
	"github.com/kardianos/rpcrt/liveness"
	"github.com/kardianos/rpcrt/rauth"
	"github.com/kardianos/rpcrt/rauth/noauth"
	"github.com/kardianos/rpcrt/rauth/secretauth"
	"github.com/kardianos/rpcrt/rquic"
	"github.com/kardianos/rpcrt/rstore"
)

// protoTCP is the tower floor value of connection-oriented RPC over TCP.
// Only these entries are probed by the sweep.
const protoTCP = 0x07

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the endpoint mapper",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		return RunServer(cmd.Context(), cfg, log, nil)
	},
}

// ServerResult describes a running daemon.
type ServerResult struct {
	Addr        string
	Fingerprint rquic.Fingerprint
	Identity    uuid.UUID
}

// openRegistry builds the auth registry over the keytab at cfg.Keytab.
func openRegistry(ctx context.Context, cfg *Config, log zerolog.Logger) (*rauth.Registry, error) {
	ds, err := rstore.Open(cfg.Keytab)
	if err != nil {
		return nil, fmt.Errorf("open keytab: %w", err)
	}
	reg := rauth.NewRegistry(rauth.RegistryOpt{Observer: observer(log, "rauth")})
	if err := reg.Register(noauth.Init); err != nil {
		return nil, err
	}
	if err := reg.Register(secretauth.Init(secretauth.NewKeytab(ds), secretauth.Options{})); err != nil {
		return nil, err
	}
	if err := reg.Init(); err != nil {
		return nil, fmt.Errorf("init auth providers: %w", err)
	}
	if cfg.Principal != "" {
		if err := reg.RegisterServer(ctx, rauth.AuthnSharedSecret, cfg.Principal, nil); err != nil {
			reg.Close()
			return nil, fmt.Errorf("register server principal %q: %w", cfg.Principal, err)
		}
	}
	return reg, nil
}

// RunServer serves the endpoint map until ctx is done. If resultCh is set
// it receives the ServerResult once the listener is up.
func RunServer(ctx context.Context, cfg *Config, log zerolog.Logger, resultCh chan<- *ServerResult) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	minLevel, err := protectLevel(cfg.MinLevel)
	if err != nil {
		return err
	}

	reg, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	db, err := epdb.Open(cfg.DB, epdb.Options{
		HandleTTL:   cfg.HandleTTL,
		MaxEntries:  cfg.MaxEntries,
		OpenTimeout: 5 * time.Second,
		Observer:    observer(log, "epdb"),
	})
	if err != nil {
		return err
	}
	defer db.Close()

	cert, err := rquic.LoadOrCreate(cfg.Cert, cfg.Key, time.Now(), cfg.Hosts...)
	if err != nil {
		return err
	}

	rs, err := rquic.NewServer(rquic.ServerOpt{
		Cert:     cert,
		Registry: reg,
		Groups:   assoc.NewTable(assoc.TableOpt{Observer: observer(log, "assoc")}),
		Liveness: liveness.Config{
			Grace:    cfg.Liveness.Grace,
			Interval: cfg.Liveness.Interval,
			Observer: observer(log, "liveness"),
		},
		MinLevel:          minLevel,
		AuthRetryInterval: cfg.AuthRetry,
		Observer:          observer(log, "rquic"),
	})
	if err != nil {
		return err
	}
	epmap.NewServer(epmap.ServerOpt{
		DB:              db,
		AnonymousWrites: cfg.AnonymousWrites,
		Observer:        observer(log, "epmap"),
	}).Register(rs)

	pc, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer pc.Close()

	res := &ServerResult{
		Addr:        pc.LocalAddr().String(),
		Fingerprint: rquic.CertFingerprint(cert),
		Identity:    db.Identity(),
	}
	log.Info().
		Str("addr", res.Addr).
		Stringer("fingerprint", res.Fingerprint).
		Stringer("identity", res.Identity).
		Int("entries", db.Len()).
		Msg("endpoint mapper listening")
	if resultCh != nil {
		resultCh <- res
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rs.Serve(ctx, pc)
	})
	g.Go(func() error {
		return reapLoop(ctx, db, cfg.ReapInterval, log)
	})
	if cfg.Sweep.Interval > 0 {
		g.Go(func() error {
			return sweepLoop(ctx, db, cfg.Sweep, log)
		})
	}
	return g.Wait()
}

func reapLoop(ctx context.Context, db *epdb.DB, every time.Duration, log zerolog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if n := db.ReapHandles(now); n > 0 {
				log.Info().Int("handles", n).Msg("expired lookup handles")
			}
		}
	}
}

func sweepLoop(ctx context.Context, db *epdb.DB, cfg SweepConfig, log zerolog.Logger) error {
	probe := dialProbe(cfg.Timeout)
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		n, err := db.Sweep(ctx, probe, cfg.MaxFailures)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Warn().Err(err).Msg("sweep")
		case n > 0:
			log.Info().Int("removed", n).Msg("sweep removed unreachable endpoints")
		}
	}
}

// dialProbe checks TCP endpoints by connecting to them. Other protocols
// always pass.
func dialProbe(timeout time.Duration) epdb.ProbeFunc {
	return func(ctx context.Context, e epdb.Entry) error {
		if e.Protocol.ID != protoTCP {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", e.Addr)
		if err != nil {
			return err
		}
		return c.Close()
	}
}
