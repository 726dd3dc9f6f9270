package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# relayctl configuration.
# FTP_HOST, FTP_USER, FTP_PASS and FTP_PORT override [server] at runtime;
# a .env file next to the binary is read first when present.

`

// Template renders the defaults as a commented TOML file.
func Template() (string, error) {
	cfg := Default()
	cfg.Server.Host = "ftp.example.com"
	cfg.Server.User = "relay"
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	return templateHeader + string(data), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
