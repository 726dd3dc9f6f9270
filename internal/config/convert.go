package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/danmuck/ftprelay/internal/enumerate"
	"github.com/danmuck/ftprelay/internal/logging"
	"github.com/danmuck/ftprelay/internal/protocol/session"
	"github.com/danmuck/ftprelay/internal/relay"
	"github.com/danmuck/ftprelay/internal/report"
)

// SessionFor builds the session manager config. originDir is the remote
// directory a fresh session enters.
func (c Config) SessionFor(originDir string, reconnectEvery int) (session.Config, error) {
	modes, err := session.ParseModes(c.Server.Modes)
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.Config{
		Host:              c.Server.Host,
		Port:              c.Server.Port,
		User:              c.Server.User,
		Password:          c.Server.Password,
		OriginDir:         originDir,
		ConnectTimeout:    c.Server.ConnectTimeout.D(),
		CommandTimeout:    c.Server.CommandTimeout.D(),
		ConnectAttempts:   c.Session.ConnectAttempts,
		KeepaliveInterval: c.Session.KeepaliveInterval.D(),
		ReconnectEvery:    reconnectEvery,
		Modes:             modes,
		Backoff: session.BackoffConfig{
			InitialDelay: c.Session.BackoffInitial.D(),
			Multiplier:   c.Session.BackoffMultiplier,
			MaxDelay:     c.Session.BackoffMax.D(),
		},
		TLS: session.TLSConfig{
			Enabled:            c.Server.TLS,
			ServerName:         c.Server.ServerName,
			CAFile:             c.Server.CAFile,
			InsecureSkipVerify: c.Server.InsecureSkipVerify,
		},
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// ReceiveSession is the session config for receive runs.
func (c Config) ReceiveSession() (session.Config, error) {
	return c.SessionFor(c.Receive.OriginDir, c.Session.ReconnectEvery)
}

// SendSession is the session config for send runs. send.reconnect_every
// wins over session.reconnect_every.
func (c Config) SendSession() (session.Config, error) {
	every := c.Session.ReconnectEvery
	if c.Send.ReconnectEvery > 0 {
		every = c.Send.ReconnectEvery
	}
	return c.SessionFor(c.Send.RemoteDir, every)
}

func (c Config) RetryPolicy() relay.RetryPolicy {
	return relay.RetryPolicy{
		MaxTries: c.Retry.MaxTries,
		Backoff: session.BackoffConfig{
			InitialDelay: c.Retry.InitialDelay.D(),
			Multiplier:   c.Retry.Multiplier,
			MaxDelay:     c.Retry.MaxDelay.D(),
		},
	}
}

// ProvisionPolicy keeps the fixed one second pause between segment tries.
func (c Config) ProvisionPolicy() relay.RetryPolicy {
	p := relay.DefaultProvisionPolicy()
	if c.Retry.ProvisionTry > 0 {
		p.MaxTries = c.Retry.ProvisionTry
	}
	return p
}

func (c Config) RelayBatch() (relay.BatchConfig, error) {
	policy, err := relay.ParsePolicy(c.Batch.Policy)
	if err != nil {
		return relay.BatchConfig{}, err
	}
	return relay.BatchConfig{
		Policy:            policy,
		PassSize:          c.Batch.PassSize,
		RequeueCap:        c.Batch.RequeueCap,
		RequeueMaxElapsed: c.Batch.RequeueMaxElapsed.D(),
		LogEvery:          c.Batch.LogEvery,
	}, nil
}

func (c Config) RelayReceive() relay.ReceiveConfig {
	return relay.ReceiveConfig{
		OriginDir:   c.Receive.OriginDir,
		SentDir:     c.Receive.SentDir,
		DownloadDir: c.Receive.DownloadDir,
	}
}

func (c Config) Lister() enumerate.Lister {
	return enumerate.Lister{
		Cap:        c.Receive.Cap,
		Extensions: c.Receive.Extensions,
		PrefixScan: c.Receive.PrefixScan,
	}
}

func (c Config) RelaySend() relay.SendConfig {
	drop := c.Send.DropDir
	if !c.Send.Extract {
		drop = ""
	}
	return relay.SendConfig{
		DropDir:    drop,
		ToSendDir:  c.Send.ToSendDir,
		SentDir:    c.Send.SentDir,
		RemoteDir:  c.Send.RemoteDir,
		Extensions: c.Send.Extensions,
	}
}

// Logging maps the [log] section onto a logging profile.
func (c Config) Logging(profile logging.Profile) logging.Config {
	cfg := logging.DefaultConfig(profile)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		cfg.Level = lvl
	}
	cfg.Timestamp = c.Log.Timestamp
	cfg.NoColor = c.Log.NoColor
	cfg.JSON = strings.EqualFold(strings.TrimSpace(c.Log.Format), "json")
	return cfg
}

// Validate reports every problem at once.
func Validate(cfg Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if strings.TrimSpace(cfg.Server.Host) == "" {
		add("server.host is required (or set %s)", EnvHost)
	}
	if strings.TrimSpace(cfg.Server.User) == "" {
		add("server.user is required (or set %s)", EnvUser)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("server.port %d out of range", cfg.Server.Port)
	}
	// Identity is checked above; validate the rest of the session settings.
	trial := cfg
	trial.Server.Host, trial.Server.User, trial.Server.Port = "relay.invalid", "relay", 21
	if _, err := trial.SessionFor(cfg.Receive.OriginDir, 0); err != nil {
		errs = append(errs, fmt.Errorf("%w: server: %w", ErrInvalid, err))
	}
	if cfg.Retry.MaxTries < 1 {
		add("retry.max_tries must be at least 1")
	}
	if cfg.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}
	if _, err := relay.ParsePolicy(cfg.Batch.Policy); err != nil {
		add("batch.policy %q (want strict or requeue)", cfg.Batch.Policy)
	}
	if cfg.Batch.PassSize < 0 || cfg.Batch.RequeueCap < 0 || cfg.Batch.LogEvery < 0 {
		add("batch counts must not be negative")
	}
	if cfg.Batch.RequeueMaxElapsed < 0 {
		add("batch.requeue_max_elapsed must not be negative")
	}
	for key, dir := range map[string]string{
		"receive.origin_dir": cfg.Receive.OriginDir,
		"receive.sent_dir":   cfg.Receive.SentDir,
		"send.remote_dir":    cfg.Send.RemoteDir,
	} {
		if !path.IsAbs(dir) {
			add("%s %q must be an absolute remote path", key, dir)
		}
	}
	if path.Clean(cfg.Receive.OriginDir) == path.Clean(cfg.Receive.SentDir) {
		add("receive.sent_dir must differ from receive.origin_dir")
	}
	if strings.TrimSpace(cfg.Receive.DownloadDir) == "" {
		add("receive.download_dir is required")
	}
	if strings.TrimSpace(cfg.Send.ToSendDir) == "" || strings.TrimSpace(cfg.Send.SentDir) == "" {
		add("send.to_send_dir and send.sent_dir are required")
	}
	if cfg.Report.Enabled {
		if _, err := report.ParseFormat(cfg.Report.Format); err != nil {
			add("report.format %q", cfg.Report.Format)
		}
		if strings.TrimSpace(cfg.Report.Dir) == "" {
			add("report.dir is required when reports are enabled")
		}
	}
	if level := strings.TrimSpace(cfg.Log.Level); level != "" {
		if _, ok := logging.ParseLevel(level); !ok {
			add("log.level %q", cfg.Log.Level)
		}
	}
	return errors.Join(errs...)
}

// RepeatInterval parses a --every flag; empty means run once.
func RepeatInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: repeat interval %q", ErrInvalid, raw)
	}
	return d, nil
}
