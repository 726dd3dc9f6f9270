package session

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/danmuck/ftprelay/internal/protocol/ftp"
)

// Conn is the control-session surface the relay engine drives. *ftp.Client
// satisfies it; tests substitute in-memory fakes.
type Conn interface {
	Noop() error
	ChangeDir(dir string) error
	CurrentDir() (string, error)
	MakeDir(dir string) error
	SetType(t ftp.TransferType) error
	SetProtection(level ftp.Protection) error
	Protection() ftp.Protection
	SetPassive(passive bool)
	NameList(pattern string) ([]string, error)
	Retrieve(name string, w io.Writer) (int64, error)
	Store(name string, r io.Reader) (int64, error)
	Rename(from, to string) error
	Size(name string) (int64, error)
	Delete(name string) error
	Quit() error
	Close() error
}

// Dialer opens an authenticated control session; mode selection is left to
// the Manager.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

var _ Conn = (*ftp.Client)(nil)

// FTPDialer dials, upgrades with AUTH TLS, logs in and sends PBSZ 0.
type FTPDialer struct {
	cfg      Config
	tls      *tls.Config
	strategy ftp.DataChannelStrategy
}

// NewFTPDialer builds the TLS config from cfg once so every reconnect shares
// one session cache.
func NewFTPDialer(cfg Config, strategy ftp.DataChannelStrategy) (*FTPDialer, error) {
	tlsCfg, err := cfg.ClientTLS()
	if err != nil {
		return nil, err
	}
	return &FTPDialer{cfg: cfg, tls: tlsCfg, strategy: strategy}, nil
}

func (d *FTPDialer) Dial(ctx context.Context) (Conn, error) {
	if d.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		defer cancel()
	}
	opts := []ftp.Option{ftp.WithTimeout(d.cfg.CommandTimeout)}
	if d.strategy != nil {
		opts = append(opts, ftp.WithDataStrategy(d.strategy))
	}
	client, err := ftp.Dial(ctx, d.cfg.Addr(), opts...)
	if err != nil {
		return nil, err
	}
	if d.tls != nil {
		if err := client.AuthTLS(ctx, d.tls); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	if err := client.Login(d.cfg.User, d.cfg.Password); err != nil {
		_ = client.Close()
		return nil, err
	}
	if d.tls != nil {
		if err := client.SetProtectionBufferSize(0); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}
