package session

import (
	"net"
	"strconv"
	"time"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig describes the explicit FTPS upgrade of the control channel.
type TLSConfig struct {
	Enabled            bool
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
}

// Config defines how sessions are opened and kept alive.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// OriginDir is entered while probing modes; the session's working
	// directory starts there.
	OriginDir string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// ConnectAttempts bounds full reconnect sequences before ConnectError.
	ConnectAttempts int
	// KeepaliveInterval gates Keepalive checks; zero disables them.
	KeepaliveInterval time.Duration
	// ReconnectEvery forces a fresh session after N processed items; zero
	// disables recycling.
	ReconnectEvery int

	Modes   []Mode
	Backoff BackoffConfig
	TLS     TLSConfig
}

// DefaultConfig returns the defaults used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		Port:              21,
		OriginDir:         "/",
		ConnectTimeout:    30 * time.Second,
		CommandTimeout:    60 * time.Second,
		ConnectAttempts:   3,
		KeepaliveInterval: 60 * time.Second,
		ReconnectEvery:    0,
		Modes:             DefaultModes(),
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       false,
		},
		TLS: TLSConfig{Enabled: true},
	}
}

// Addr is host:port of the control endpoint.
func (c Config) Addr() string {
	port := c.Port
	if port <= 0 {
		port = 21
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
