// Package config provides configuration management for the marketplace node.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the marketplace node configuration.
type Config struct {
	Ledger  LedgerConfig  `yaml:"ledger"`
	Vault   VaultConfig   `yaml:"vault"`
	Assets  AssetsConfig  `yaml:"assets"`
	Content ContentConfig `yaml:"content"`
	Streams StreamsConfig `yaml:"streams"`
	Auth    AuthConfig    `yaml:"auth"`
}

// LedgerConfig contains distributed-ledger connection and gateway settings.
type LedgerConfig struct {
	RPCURL          string   `yaml:"rpc_url"`
	ContractAddress string   `yaml:"contract_address"`
	GasLimit        uint64   `yaml:"gas_limit"`
	ConfirmTimeout  string   `yaml:"confirm_timeout"`
	PollInterval    string   `yaml:"poll_interval"`
	Keyring         []string `yaml:"keyring"` // hex-encoded signing keys
}

// VaultConfig contains encrypted key vault settings.
type VaultConfig struct {
	Path         string `yaml:"path"`
	MasterSecret string `yaml:"master_secret"`
}

// AssetsConfig contains asset catalog settings.
type AssetsConfig struct {
	DBPath string `yaml:"db_path"`
}

// ContentConfig contains content store settings.
type ContentConfig struct {
	Path string `yaml:"path"`
}

// StreamsConfig contains stream networking settings.
type StreamsConfig struct {
	Listen   []string `yaml:"listen"`
	MaxConns int      `yaml:"max_connections"`
}

// AuthConfig contains authentication and proof settings.
type AuthConfig struct {
	ProofMaxAge string `yaml:"proof_max_age"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".datamarketnetwork")

	return &Config{
		Ledger: LedgerConfig{
			RPCURL:         "http://127.0.0.1:8545",
			GasLimit:       500_000,
			ConfirmTimeout: "90s",
			PollInterval:   "500ms",
		},
		Vault: VaultConfig{
			Path: filepath.Join(base, "vault.json"),
		},
		Assets: AssetsConfig{
			DBPath: filepath.Join(base, "assets.db"),
		},
		Content: ContentConfig{
			Path: filepath.Join(base, "content"),
		},
		Streams: StreamsConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4100",
				"/ip4/0.0.0.0/tcp/4101/ws",
			},
			MaxConns: 400,
		},
		Auth: AuthConfig{
			ProofMaxAge: "5m",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".datamarketnetwork", "config.yaml")
}

// Load loads the configuration from a file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ConfirmTimeout parses the configured confirmation timeout, falling back to
// the default on a missing or malformed value.
func (lc LedgerConfig) ConfirmTimeoutDuration() time.Duration {
	return parseDuration(lc.ConfirmTimeout, 90*time.Second)
}

// PollIntervalDuration parses the configured receipt poll interval.
func (lc LedgerConfig) PollIntervalDuration() time.Duration {
	return parseDuration(lc.PollInterval, 500*time.Millisecond)
}

// ProofMaxAgeDuration parses the configured proof freshness window.
func (ac AuthConfig) ProofMaxAgeDuration() time.Duration {
	return parseDuration(ac.ProofMaxAge, 5*time.Minute)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
