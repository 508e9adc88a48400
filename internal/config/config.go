// Package config handles configuration for the sync service, including
// defaults, environment overlay, command-line flags and range clamping.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoMailboxes = errors.New("no mailboxes configured")
	ErrInvalid     = errors.New("invalid configuration")
)

const (
	ProviderGraph = "graph"
	ProviderGmail = "gmail"

	DriverSQLite    = "sqlite"
	DriverSQLiteCgo = "sqlite3"
	DriverPostgres  = "pgx"

	maxInterval = time.Hour

	defaultServerTimeout     = 200 * time.Second
	defaultTickInterval      = time.Second
	defaultPollInterval      = 60 * time.Second
	defaultStartupGrace      = 5 * time.Second
	defaultMaxConcurrent     = 5
	defaultLookbackHours     = 24
	defaultPageSizeCap       = 1000
	defaultPartialBodyLength = 100
	backoffFactor            = 10
)

// Config holds runtime settings for the sync service.
//
// PollInterval is the normal re-poll delay of a mailbox after a successful
// sync, BackoffInterval the delay after a failed one. A zero BackoffInterval
// is derived from PollInterval; after Normalize it is always greater than
// PollInterval.
type Config struct {
	Mailboxes []string
	Provider  string

	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphAccessToken  string

	TokenBrokerURL string
	TokenBrokerJWT string

	GmailCredentialsFile string

	ServerTimeout   time.Duration
	TickInterval    time.Duration
	PollInterval    time.Duration
	BackoffInterval time.Duration
	StartupGrace    time.Duration

	MaxConcurrent      int
	LookbackHours      int
	PageSizeCap        int
	IncludePartialBody bool
	PartialBodyLength  int

	StoreDriver string
	StoreDSN    string

	NATSURL  string
	HTTPAddr string
	JWKSURL  string

	Debug     bool
	LogFormat string
	LogLevel  string
}

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.Provider = ProviderGraph
	c.ServerTimeout = defaultServerTimeout
	c.TickInterval = defaultTickInterval
	c.PollInterval = defaultPollInterval
	c.StartupGrace = defaultStartupGrace
	c.MaxConcurrent = defaultMaxConcurrent
	c.LookbackHours = defaultLookbackHours
	c.PageSizeCap = defaultPageSizeCap
	c.PartialBodyLength = defaultPartialBodyLength
	c.StoreDriver = DriverSQLite
	c.StoreDSN = "data/mailsync.db"
	c.HTTPAddr = ":8080"
	c.LogFormat = "json"
	c.LogLevel = "info"
}

// Load builds a Config by applying defaults, then overlaying values from the
// environment and finally from command-line args (without the program name).
// The result is normalized and validated.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)
	if err := parseFlags(cfg, args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize clamps out-of-range values back to their defaults.
func (c *Config) Normalize() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Mailboxes = ParseMailboxes(strings.Join(c.Mailboxes, ","))

	if c.ServerTimeout <= 0 || c.ServerTimeout > maxInterval {
		c.ServerTimeout = defaultServerTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.PollInterval <= 0 || c.PollInterval > maxInterval {
		c.PollInterval = defaultPollInterval
	}
	if c.BackoffInterval <= c.PollInterval || c.BackoffInterval > maxInterval {
		c.BackoffInterval = backoffFactor * c.PollInterval
	}
	if c.StartupGrace < 0 {
		c.StartupGrace = defaultStartupGrace
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.LookbackHours <= 0 {
		c.LookbackHours = defaultLookbackHours
	}
	if c.PageSizeCap <= 0 {
		c.PageSizeCap = defaultPageSizeCap
	}
	if c.PartialBodyLength < 0 {
		c.PartialBodyLength = defaultPartialBodyLength
	}

	switch strings.ToLower(strings.TrimSpace(c.StoreDriver)) {
	case "", DriverSQLite:
		c.StoreDriver = DriverSQLite
	case DriverSQLiteCgo:
		c.StoreDriver = DriverSQLiteCgo
	case DriverPostgres, "postgres", "postgresql":
		c.StoreDriver = DriverPostgres
	}
}

func (c *Config) Validate() error {
	if len(c.Mailboxes) == 0 {
		return ErrNoMailboxes
	}
	switch c.Provider {
	case ProviderGraph, ProviderGmail:
	default:
		return fmt.Errorf("%w: unsupported provider %q", ErrInvalid, c.Provider)
	}
	switch c.StoreDriver {
	case DriverSQLite, DriverSQLiteCgo, DriverPostgres:
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalid, c.StoreDriver)
	}
	if strings.TrimSpace(c.StoreDSN) == "" {
		return fmt.Errorf("%w: store dsn is empty", ErrInvalid)
	}
	return nil
}

// Lookback is the horizon subtracted from the checkpoint on incremental cycles.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// Summary returns key-value pairs describing the effective configuration for
// startup logging. Credentials are reported only as present or absent.
func (c *Config) Summary() []any {
	return []any{
		"mailboxes", c.Mailboxes,
		"provider", c.Provider,
		"credentials", c.credentialSource(),
		"server_timeout", c.ServerTimeout.String(),
		"poll_interval", c.PollInterval.String(),
		"backoff_interval", c.BackoffInterval.String(),
		"max_concurrent", c.MaxConcurrent,
		"lookback_hours", c.LookbackHours,
		"page_size_cap", c.PageSizeCap,
		"include_partial_body", c.IncludePartialBody,
		"partial_body_length", c.PartialBodyLength,
		"store_driver", c.StoreDriver,
		"nats", c.NATSURL != "",
		"http_addr", c.HTTPAddr,
		"debug", c.Debug,
	}
}

func (c *Config) credentialSource() string {
	switch {
	case c.Provider == ProviderGmail && c.GmailCredentialsFile != "":
		return "service account"
	case c.GraphAccessToken != "":
		return "static token"
	case c.TokenBrokerURL != "":
		return "token broker"
	case c.GraphClientID != "" && c.GraphClientSecret != "":
		return "client credentials"
	default:
		return "none"
	}
}

// ParseMailboxes splits a comma separated list of addresses, trimming blanks
// and dropping case-insensitive duplicates while keeping declaration order.
func ParseMailboxes(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(s, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}
