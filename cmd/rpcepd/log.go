package main

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/kardianos/rpcrt/assoc"
)

func newLogger(cfg LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var zl zerolog.Logger
	if cfg.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(w)
	}
	return zl.Level(level).With().Timestamp().Logger()
}

// logObserver feeds runtime diagnostics into a zerolog.Logger. It satisfies
// the Observer interface of every package the daemon wires together.
type logObserver struct {
	log zerolog.Logger
}

func observer(l zerolog.Logger, component string) logObserver {
	return logObserver{log: l.With().Str("component", component).Logger()}
}

func (o logObserver) Logf(format string, v ...any) {
	o.log.Info().Msgf(format, v...)
}

func (o logObserver) OnTransition(k assoc.Key, ev assoc.Event, from, to assoc.State) {
	o.log.Debug().
		Stringer("group", k).
		Stringer("event", ev).
		Stringer("from", from).
		Stringer("to", to).
		Msg("group transition")
}

func (o logObserver) OnFree(info assoc.Info) {
	o.log.Debug().
		Stringer("group", info.Key).
		Str("peer", info.Peer).
		Dur("age", time.Since(info.Created)).
		Msg("group freed")
}
