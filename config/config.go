package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/40three/ftpserver/log"
)

// Passive configures the port range handed out for passive-mode data
// transfers.
type Passive struct {
	MinPort uint16 `yaml:"min-port"`
	MaxPort uint16 `yaml:"max-port"`
}

type Config struct {
	// General configuration
	LogLevel log.LogLevel `yaml:"loglevel"`

	// Host is the host name or literal address the control channel binds;
	// a name resolving to several addresses gets one listener per address.
	Host string `yaml:"host"`
	// Port is the control-channel port; 0 lets the system assign one.
	Port int `yaml:"port"`

	Passive Passive `yaml:"passive"`

	// Nameservers, when set, resolve Host through these servers instead of
	// the system resolver.
	Nameservers []string `yaml:"nameservers"`
}

// New returns a new instance of Config with default values
func New() *Config {
	return &Config{
		LogLevel: log.InfoLevel,
		Host:     "0.0.0.0",
		Port:     2121,
		Passive: Passive{
			MinPort: 50000,
			MaxPort: 50099,
		},
	}
}

// Init initializes a new Config from the given file and checks that it is valid
func Init(configFile string) (*Config, error) {
	if configFile == "" {
		return nil, errors.New("missing config file")
	}
	if !filepath.IsAbs(configFile) {
		currentDir, _ := os.Getwd()
		configFile = filepath.Join(currentDir, configFile)
	}
	cfg, err := ParseConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the given config is valid. It returns an error otherwise
func (c *Config) Validate() error {
	switch c.LogLevel.String() {
	case "debug", "info", "warning", "error", "silent":
	default:
		return fmt.Errorf("unsupported loglevel:%s", c.LogLevel.String())
	}
	if c.Host == "" {
		return errors.New("missing bind host")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Passive.MinPort == 0 || c.Passive.MaxPort == 0 {
		return errors.New("missing passive port range")
	}
	if c.Passive.MinPort > c.Passive.MaxPort {
		return fmt.Errorf("invalid passive port range %d-%d", c.Passive.MinPort, c.Passive.MaxPort)
	}
	return nil
}

// ParseBytes unmarshals the given bytes into a Config
func ParseBytes(data []byte) (*Config, error) {
	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses the config (if any) at the given path
func ParseConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}
