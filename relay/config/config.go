// Package config loads the relay server's TOML configuration: the server's
// key file, session/meeting timing, CORS origins, optional TLS material,
// and optional public-key allow/deny lists.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/polysig/relay/keypair"
)

// ErrKeyFileRequired is returned when the config omits the key path.
var ErrKeyFileRequired = errors.New("config: key path is required")

// ErrNotFile is returned when a referenced path does not exist.
type ErrNotFile struct{ Path string }

func (e *ErrNotFile) Error() string { return "config: file not found: " + e.Path }

// TLSConfig names the certificate and key used for TLS termination.
type TLSConfig struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// CORSConfig lists the additional origins the relay accepts WebSocket
// upgrades from.
type CORSConfig struct {
	Origins []string `toml:"origins"`
}

// SessionConfig controls session and meeting purge timing, all in seconds.
type SessionConfig struct {
	Timeout      uint64 `toml:"timeout"`
	Interval     uint64 `toml:"interval"`
	WaitInterval uint64 `toml:"wait_interval"`
	WaitTimeout  uint64 `toml:"wait_timeout"`
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{Timeout: 900, Interval: 1800, WaitInterval: 5, WaitTimeout: 60}
}

// Config is the relay server's full TOML configuration.
type Config struct {
	Key     string        `toml:"key"`
	Addr    string        `toml:"addr"`
	Session SessionConfig `toml:"session"`
	TLS     *TLSConfig    `toml:"tls"`
	CORS    CORSConfig    `toml:"cors"`
	Allow   []string      `toml:"allow"`
	Deny    []string      `toml:"deny"`

	dir string
}

// TimeoutDuration returns Session.Timeout as a time.Duration.
func (c Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Session.Timeout) * time.Second
}

// IntervalDuration returns Session.Interval as a time.Duration.
func (c Config) IntervalDuration() time.Duration {
	return time.Duration(c.Session.Interval) * time.Second
}

// Load reads and parses the TOML file at path, validates the key path, and
// decodes the PEM keypair it references. Relative TLS paths are resolved
// against the configuration file's own directory.
func Load(path string) (Config, keypair.Keypair, error) {
	cfg := Config{Session: defaultSessionConfig()}

	if _, err := os.Stat(path); err != nil {
		return Config{}, keypair.Keypair{}, &ErrNotFile{Path: path}
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, keypair.Keypair{}, err
	}

	if cfg.Key == "" {
		return Config{}, keypair.Keypair{}, ErrKeyFileRequired
	}
	if _, err := os.Stat(cfg.Key); err != nil {
		return Config{}, keypair.Keypair{}, &ErrNotFile{Path: cfg.Key}
	}

	pemData, err := os.ReadFile(cfg.Key)
	if err != nil {
		return Config{}, keypair.Keypair{}, err
	}
	kp, err := keypair.Decode(pemData)
	if err != nil {
		return Config{}, keypair.Keypair{}, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, keypair.Keypair{}, err
	}
	cfg.dir = filepath.Dir(abs)

	if cfg.TLS != nil {
		if !filepath.IsAbs(cfg.TLS.Cert) {
			cfg.TLS.Cert = filepath.Join(cfg.dir, cfg.TLS.Cert)
		}
		if !filepath.IsAbs(cfg.TLS.Key) {
			cfg.TLS.Key = filepath.Join(cfg.dir, cfg.TLS.Key)
		}
	}

	return cfg, kp, nil
}
