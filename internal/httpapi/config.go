package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":8080"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultSessionIssuer      = "tauth"
	defaultSessionCookie      = "app_session"
	defaultAdminRole          = "admin"
	defaultRequestTimeout     = 5 * time.Second
	defaultVoteRatePerSecond  = 2.0
	defaultVoteBurst          = 5
	defaultStreamPingInterval = 30 * time.Second
	defaultHistoryLimit       = 50
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	AdminRole          string
	AdminEmails        []string
	RequestTimeout     time.Duration
	VoteRatePerSecond  float64
	VoteBurst          int
	StreamPingInterval time.Duration
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.VoteRatePerSecond <= 0 {
		cfg.VoteRatePerSecond = defaultVoteRatePerSecond
	}
	if cfg.VoteBurst <= 0 {
		cfg.VoteBurst = defaultVoteBurst
	}
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = defaultStreamPingInterval
	}
	normalizedEmails := make([]string, 0, len(cfg.AdminEmails))
	for _, email := range cfg.AdminEmails {
		if trimmed := strings.ToLower(strings.TrimSpace(email)); trimmed != "" {
			normalizedEmails = append(normalizedEmails, trimmed)
		}
	}
	cfg.AdminEmails = normalizedEmails
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseList splits a comma-delimited value into trimmed, non-empty items.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
