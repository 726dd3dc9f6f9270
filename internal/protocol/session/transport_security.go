package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/ftprelay/internal/protocol/ftp"
)

var (
	ErrHostRequired        = errors.New("session: host required")
	ErrUserRequired        = errors.New("session: user required")
	ErrInvalidPort         = errors.New("session: invalid port")
	ErrInvalidMode         = errors.New("session: invalid mode")
	ErrNoModes             = errors.New("session: at least one mode required")
	ErrProtectedWithoutTLS = errors.New("session: protected mode requires tls")
	ErrTLSCAFileRead       = errors.New("session: tls ca file unreadable")
	ErrTLSCAFileEmpty      = errors.New("session: tls ca file holds no certificates")
)

// Validate checks the endpoint, credentials and mode list.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrHostRequired
	}
	if strings.TrimSpace(c.User) == "" {
		return ErrUserRequired
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if len(c.Modes) == 0 {
		return ErrNoModes
	}
	if !c.TLS.Enabled {
		for _, m := range c.Modes {
			if m.Protection == ftp.ProtectionProtected {
				return fmt.Errorf("%w: %s", ErrProtectedWithoutTLS, m)
			}
		}
	}
	return nil
}

// ClientTLS builds the control-channel TLS config. It returns nil when TLS is
// disabled.
func (c Config) ClientTLS() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(c.TLS.ServerName),
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.Host
	}
	if path := strings.TrimSpace(c.TLS.CAFile); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSCAFileRead, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: %s", ErrTLSCAFileEmpty, path)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
