package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func parseEnv(c *Config) {
	if v := getEnvString("MAILBOXES", ""); v != "" {
		c.Mailboxes = ParseMailboxes(v)
	}
	c.Provider = getEnvString("REMOTE_PROVIDER", c.Provider)

	c.GraphTenantID = getEnvString("GRAPH_TENANT_ID", c.GraphTenantID)
	c.GraphClientID = getEnvString("GRAPH_CLIENT_ID", c.GraphClientID)
	c.GraphClientSecret = getEnvString("GRAPH_CLIENT_SECRET", c.GraphClientSecret)
	c.GraphAccessToken = getEnvString("GRAPH_ACCESS_TOKEN", c.GraphAccessToken)
	c.TokenBrokerURL = getEnvString("TOKEN_BROKER_URL", c.TokenBrokerURL)
	c.TokenBrokerJWT = getEnvString("TOKEN_BROKER_JWT", c.TokenBrokerJWT)
	c.GmailCredentialsFile = getEnvString("GMAIL_CREDENTIALS_FILE", c.GmailCredentialsFile)

	c.ServerTimeout = getEnvDuration("SERVER_TIMEOUT", c.ServerTimeout)
	c.TickInterval = getEnvDuration("TICK_INTERVAL", c.TickInterval)
	c.PollInterval = getEnvDuration("POLL_INTERVAL", c.PollInterval)
	c.BackoffInterval = getEnvDuration("BACKOFF_INTERVAL", c.BackoffInterval)
	c.StartupGrace = getEnvDuration("STARTUP_GRACE", c.StartupGrace)

	c.MaxConcurrent = getEnvInt("MAX_CONCURRENT", c.MaxConcurrent)
	c.LookbackHours = getEnvInt("LOOKBACK_HOURS", c.LookbackHours)
	c.PageSizeCap = getEnvInt("PAGE_SIZE_CAP", c.PageSizeCap)
	c.IncludePartialBody = getEnvBool("INCLUDE_PARTIAL_BODY", c.IncludePartialBody)
	c.PartialBodyLength = getEnvInt("PARTIAL_BODY_LENGTH", c.PartialBodyLength)

	c.StoreDriver = getEnvString("STORE_DRIVER", c.StoreDriver)
	c.StoreDSN = getEnvString("STORE_DSN", c.StoreDSN)
	c.NATSURL = getEnvString("NATS_URL", c.NATSURL)
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		c.HTTPAddr = strings.TrimSpace(v)
	}
	c.JWKSURL = getEnvString("JWKS_URL", c.JWKSURL)

	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LogFormat = getEnvString("LOG_FORMAT", c.LogFormat)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, ok := parseDuration(value); ok {
			return d
		}
	}
	return fallback
}

// parseDuration accepts Go duration syntax or a plain number of seconds.
func parseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
