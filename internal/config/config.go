package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from a TOML file and passed
// explicitly into every constructor that needs it. There is no package-level
// configuration state.
type Config struct {
	TenantID string `toml:"tenant_id"`
	DataDir  string `toml:"data_dir"`

	Provider ProviderConfig `toml:"provider"`
	Sync     SyncConfig     `toml:"sync"`
	HTTP     HTTPConfig     `toml:"http"`
}

// ProviderConfig holds the remote messaging gateway settings.
type ProviderConfig struct {
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	SecurityToken string   `toml:"security_token"`
	InstanceName  string   `toml:"instance_name"`
	Timeout       duration `toml:"timeout"`
	TypingEnabled bool     `toml:"typing_enabled"`
}

// SyncConfig controls the reconciliation loop.
type SyncConfig struct {
	WindowSize   int      `toml:"window_size"`
	PollInterval duration `toml:"poll_interval"`
}

// HTTPConfig holds the local API server settings.
type HTTPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// duration lets TOML carry values like "15s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Load reads config from the given path and applies defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".chatsync")
		} else {
			c.DataDir = ".chatsync"
		}
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = duration(15 * time.Second)
	}
	if c.Sync.WindowSize <= 0 {
		c.Sync.WindowSize = 20
	}
	if c.Sync.PollInterval <= 0 {
		c.Sync.PollInterval = duration(10 * time.Second)
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = "127.0.0.1:7631"
	}
}

func (c *Config) validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("config: tenant_id is required")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("config: provider.base_url is required")
	}
	if c.Provider.InstanceName == "" {
		return fmt.Errorf("config: provider.instance_name is required")
	}
	return nil
}

// DBPath returns the sqlite database path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "chatsync.db")
}

// LogPath returns the daemon log file path under the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "chatsyncd.log")
}
