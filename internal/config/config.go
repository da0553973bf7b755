package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// TokenEnv overrides the token file when set.
const TokenEnv = "PARLEY_TOKEN"

// Config represents the global ~/.parley/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Endpoint   string `toml:"endpoint"`
	APIBaseURL string `toml:"api_base_url"`
	TokenFile  string `toml:"token_file"`

	// MaxReconnectAttempts is a pointer so an explicit 0 (never reconnect)
	// survives WithDefaults.
	MaxReconnectAttempts    *int `toml:"max_reconnect_attempts"`
	PendingSendTimeoutMS    int  `toml:"pending_send_timeout_ms"`
	ReconnectInitialDelayMS int  `toml:"reconnect_initial_delay_ms"`
	ReconnectMaxDelayMS     int  `toml:"reconnect_max_delay_ms"`
	PingIntervalMS          int  `toml:"ping_interval_ms"`
	EchoGraceWindowMS       int  `toml:"echo_grace_window_ms"`

	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns a config with every default applied and no endpoints.
func Default() *Config {
	return (&Config{}).WithDefaults()
}

// WithDefaults fills unset fields in place and returns cfg.
func (cfg *Config) WithDefaults() *Config {
	if cfg.MaxReconnectAttempts == nil {
		n := 5
		cfg.MaxReconnectAttempts = &n
	}
	setDefault(&cfg.PendingSendTimeoutMS, 15000)
	setDefault(&cfg.ReconnectInitialDelayMS, 1000)
	setDefault(&cfg.ReconnectMaxDelayMS, 30000)
	setDefault(&cfg.PingIntervalMS, 25000)
	setDefault(&cfg.EchoGraceWindowMS, 60000)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate checks the fields a daemon needs to connect.
func (cfg *Config) Validate() error {
	var errs []error
	if err := checkURL("endpoint", cfg.Endpoint, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("api_base_url", cfg.APIBaseURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxReconnectAttempts != nil && *cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("max_reconnect_attempts must not be negative"))
	}
	if cfg.ReconnectMaxDelayMS < cfg.ReconnectInitialDelayMS {
		errs = append(errs, errors.New("reconnect_max_delay_ms must be at least reconnect_initial_delay_ms"))
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: %q must be a %s URL", key, raw, schemes[0])
}

// Reconnects returns the reconnect attempt cap.
func (cfg *Config) Reconnects() int {
	if cfg.MaxReconnectAttempts == nil {
		return 0
	}
	return *cfg.MaxReconnectAttempts
}

func (cfg *Config) SendTimeout() time.Duration { return ms(cfg.PendingSendTimeoutMS) }
func (cfg *Config) InitialDelay() time.Duration { return ms(cfg.ReconnectInitialDelayMS) }
func (cfg *Config) MaxDelay() time.Duration { return ms(cfg.ReconnectMaxDelayMS) }
func (cfg *Config) PingInterval() time.Duration { return ms(cfg.PingIntervalMS) }
func (cfg *Config) GraceWindow() time.Duration { return ms(cfg.EchoGraceWindowMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads path with defaults applied. A missing file yields
// Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
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
