// Package config loads the relayctl TOML file: defaults first, then the keys
// the file defines, then FTP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/subosito/gotenv"
)

const (
	EnvHost     = "FTP_HOST"
	EnvUser     = "FTP_USER"
	EnvPassword = "FTP_PASS"
	EnvPort     = "FTP_PORT"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as "30s" in TOML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	User               string   `toml:"user"`
	Password           string   `toml:"password"`
	TLS                bool     `toml:"tls"`
	ServerName         string   `toml:"server_name"`
	CAFile             string   `toml:"ca_file"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	Modes              []string `toml:"modes"`
	ConnectTimeout     Duration `toml:"connect_timeout"`
	CommandTimeout     Duration `toml:"command_timeout"`
}

type SessionConfig struct {
	ConnectAttempts   int      `toml:"connect_attempts"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`
	ReconnectEvery    int      `toml:"reconnect_every"`
	BackoffInitial    Duration `toml:"backoff_initial"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	BackoffMax        Duration `toml:"backoff_max"`
}

type RetryConfig struct {
	MaxTries     int      `toml:"max_tries"`
	InitialDelay Duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay"`
	ProvisionTry int      `toml:"provision_tries"`
}

type BatchConfig struct {
	Policy            string   `toml:"policy"`
	PassSize          int      `toml:"pass_size"`
	RequeueCap        int      `toml:"requeue_cap"`
	RequeueMaxElapsed Duration `toml:"requeue_max_elapsed"`
	LogEvery          int      `toml:"log_every"`
}

type ReceiveConfig struct {
	OriginDir   string   `toml:"origin_dir"`
	SentDir     string   `toml:"sent_dir"`
	DownloadDir string   `toml:"download_dir"`
	Cap         int      `toml:"cap"`
	Extensions  []string `toml:"extensions"`
	PrefixScan  bool     `toml:"prefix_scan"`
}

type SendConfig struct {
	DropDir        string   `toml:"drop_dir"`
	ToSendDir      string   `toml:"to_send_dir"`
	SentDir        string   `toml:"sent_dir"`
	RemoteDir      string   `toml:"remote_dir"`
	Extensions     []string `toml:"extensions"`
	Extract        bool     `toml:"extract"`
	ReconnectEvery int      `toml:"reconnect_every"`
}

type ReportConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	Format  string `toml:"format"`
}

type StatusConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type LogConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
}

// Config is the whole file. Treat it as a value: constructors receive
// copies of the sections they need.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Session SessionConfig `toml:"session"`
	Retry   RetryConfig   `toml:"retry"`
	Batch   BatchConfig   `toml:"batch"`
	Receive ReceiveConfig `toml:"receive"`
	Send    SendConfig    `toml:"send"`
	Report  ReportConfig  `toml:"report"`
	Status  StatusConfig  `toml:"status"`
	Log     LogConfig     `toml:"log"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           21,
			TLS:            true,
			Modes:          []string{"protected+passive", "protected+active", "clear+passive", "clear+active"},
			ConnectTimeout: Duration(30 * time.Second),
			CommandTimeout: Duration(60 * time.Second),
		},
		Session: SessionConfig{
			ConnectAttempts:   3,
			KeepaliveInterval: Duration(60 * time.Second),
			ReconnectEvery:    0,
			BackoffInitial:    Duration(time.Second),
			BackoffMultiplier: 2.0,
			BackoffMax:        Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			MaxTries:     3,
			InitialDelay: Duration(time.Second),
			Multiplier:   2.0,
			MaxDelay:     Duration(time.Minute),
			ProvisionTry: 3,
		},
		Batch: BatchConfig{
			Policy:     "strict",
			PassSize:   100,
			RequeueCap: 3,
			LogEvery:   50,
		},
		Receive: ReceiveConfig{
			OriginDir:   "/outbound",
			SentDir:     "/outbound/sent",
			DownloadDir: "./data/received",
			Cap:         500,
			Extensions:  []string{".xml"},
			PrefixScan:  true,
		},
		Send: SendConfig{
			DropDir:        "./data/drop",
			ToSendDir:      "./data/to_send",
			SentDir:        "./data/sent",
			RemoteDir:      "/inbound",
			Extensions:     []string{".xml"},
			Extract:        true,
			ReconnectEvery: 1,
		},
		Report: ReportConfig{
			Enabled: true,
			Dir:     "./data/reports",
			Format:  "text",
		},
		Status: StatusConfig{
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "console",
			Timestamp: true,
		},
	}
}

// Load reads path over the defaults. An empty path skips the file. Unknown
// keys are rejected so typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
		}
		// Without TLS only clear modes can work; keep an explicit list as is
		// so Validate can report the conflict.
		if !cfg.Server.TLS && !meta.IsDefined("server", "modes") {
			cfg.Server.Modes = []string{"clear+passive", "clear+active"}
		}
		normalize(&cfg)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := resolveLocalDirs(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveLocalDirs anchors relative local folders at the working directory;
// the local store only understands absolute paths.
func resolveLocalDirs(cfg *Config) error {
	for _, dir := range []*string{
		&cfg.Receive.DownloadDir,
		&cfg.Send.DropDir,
		&cfg.Send.ToSendDir,
		&cfg.Send.SentDir,
		&cfg.Report.Dir,
	} {
		if strings.TrimSpace(*dir) == "" || filepath.IsAbs(*dir) {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("config: resolve %q: %w", *dir, err)
		}
		*dir = abs
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without replacing variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays FTP_HOST, FTP_USER, FTP_PASS and FTP_PORT.
func ApplyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUser)); v != "" {
		cfg.Server.User = v
	}
	if v, ok := os.LookupEnv(EnvPassword); ok && v != "" {
		cfg.Server.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalid, EnvPort, v)
		}
		cfg.Server.Port = port
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Server.Host = strings.TrimSpace(cfg.Server.Host)
	cfg.Server.User = strings.TrimSpace(cfg.Server.User)
	cfg.Batch.Policy = strings.ToLower(strings.TrimSpace(cfg.Batch.Policy))
	cfg.Receive.Extensions = normalizeList(cfg.Receive.Extensions)
	cfg.Send.Extensions = normalizeList(cfg.Send.Extensions)
	cfg.Status.CorsOrigins = normalizeList(cfg.Status.CorsOrigins)
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
