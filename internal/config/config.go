// Package config loads the cipherlink YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"cipherlink/internal/peerstore"
	"cipherlink/internal/protocol"
)

// Config holds everything the CLI needs to run a listener or a client.
type Config struct {
	ListenPort        int              `yaml:"listen_port"`
	Address           string           `yaml:"address"`
	Port              int              `yaml:"port"`
	BufferSize        int              `yaml:"buffer_size"`
	Suite             string           `yaml:"suite"`
	KeepAliveInterval time.Duration    `yaml:"keepalive_interval"`
	IdleBackoff       time.Duration    `yaml:"idle_backoff"`
	IdentityKeyPath   string           `yaml:"identity_key_path"`
	LogLevel          string           `yaml:"log_level"`
	PinOnFirstUse     bool             `yaml:"pin_on_first_use"`
	PeerStore         peerstore.Config `yaml:"peer_store"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenPort:        7400,
		Address:           "127.0.0.1",
		Port:              7400,
		BufferSize:        16 << 10,
		Suite:             protocol.SuiteX25519ChaCha20Poly1305,
		KeepAliveInterval: 5 * time.Second,
		IdleBackoff:       125 * time.Millisecond,
		LogLevel:          "info",
		PeerStore:         peerstore.Config{Driver: peerstore.DriverMemory},
	}
}

// DefaultPath returns the default config file path: ~/.cipherlink/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".cipherlink", "config.yaml")
	}
	return filepath.Join(home, ".cipherlink", "config.yaml")
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Check permissions before reading: the peer store DSN may carry a
	// password.
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o, expected 0600. "+
				"Peer store credentials may be exposed to other users.\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component could run with.
func (c *Config) Validate() error {
	for name, p := range map[string]int{"listen_port": c.ListenPort, "port": c.Port} {
		if p < 0 || p > 65535 {
			return fmt.Errorf("%s %d out of range", name, p)
		}
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("buffer_size %d is negative", c.BufferSize)
	}
	if _, ok := protocol.LookupSuite(c.Suite); !ok {
		return fmt.Errorf("unknown suite %q (have %v)", c.Suite, protocol.SuiteNames())
	}
	if c.KeepAliveInterval < 0 || c.IdleBackoff < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// ProtocolOptions translates the transport settings into endpoint options.
func (c *Config) ProtocolOptions() []protocol.Option {
	s, _ := protocol.LookupSuite(c.Suite)
	opts := []protocol.Option{
		protocol.WithSuite(s),
		protocol.WithKeepAliveInterval(c.KeepAliveInterval),
	}
	if c.IdleBackoff > 0 {
		opts = append(opts, protocol.WithIdleBackoff(c.IdleBackoff))
	}
	return opts
}
