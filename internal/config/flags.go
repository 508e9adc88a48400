package config

import (
	"flag"
	"fmt"
	"io"
	"time"
)

// durationValue is a flag.Value accepting Go durations or plain seconds.
type durationValue struct {
	d *time.Duration
}

func (v durationValue) String() string {
	if v.d == nil {
		return ""
	}
	return v.d.String()
}

func (v durationValue) Set(s string) error {
	d, ok := parseDuration(s)
	if !ok {
		return fmt.Errorf("invalid duration %q", s)
	}
	*v.d = d
	return nil
}

// parseFlags overlays command-line flags on c.
//
// Supported flags:
//
//	-mailboxes string     comma separated mailbox addresses
//	-provider string      graph or gmail
//	-timeout duration     remote request timeout
//	-poll duration        normal poll interval
//	-backoff duration     poll interval after a failed sync
//	-concurrency int      maximum concurrent mailbox syncs
//	-lookback int         lookback horizon in hours
//	-store-driver string  sqlite, sqlite3 or pgx
//	-store-dsn string     store data source name
//	-http string          ops API listen address ("" disables)
//	-debug                strict registry and debug logging
func parseFlags(c *Config, args []string) error {
	fs := flag.NewFlagSet("mailsync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	mailboxes := fs.String("mailboxes", "", "comma separated mailbox addresses")
	fs.StringVar(&c.Provider, "provider", c.Provider, "remote provider (graph|gmail)")
	fs.Var(durationValue{&c.ServerTimeout}, "timeout", "remote request timeout")
	fs.Var(durationValue{&c.PollInterval}, "poll", "poll interval")
	fs.Var(durationValue{&c.BackoffInterval}, "backoff", "backoff interval")
	fs.IntVar(&c.MaxConcurrent, "concurrency", c.MaxConcurrent, "maximum concurrent mailbox syncs")
	fs.IntVar(&c.LookbackHours, "lookback", c.LookbackHours, "lookback horizon in hours")
	fs.StringVar(&c.StoreDriver, "store-driver", c.StoreDriver, "store driver (sqlite|sqlite3|pgx)")
	fs.StringVar(&c.StoreDSN, "store-dsn", c.StoreDSN, "store DSN")
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "ops API address")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "debug mode")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *mailboxes != "" {
		c.Mailboxes = ParseMailboxes(*mailboxes)
	}
	return nil
}
