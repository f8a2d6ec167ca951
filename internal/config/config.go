package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix        = "ACTUALREADER"
	defaultSyncPort  = 42069
	defaultLogLevel  = "info"
	defaultDirName   = "ActualReader"
	defaultHTTPAddr  = "0.0.0.0"
	maxInstanceChars = 63
)

// AppConfig captures runtime configuration for the reader backend.
type AppConfig struct {
	DataDir      string
	SyncPort     int
	BindAddress  string
	InstanceName string
	LogLevel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("data.dir", defaultDataDir())
	configViper.SetDefault("sync.port", defaultSyncPort)
	configViper.SetDefault("sync.bind_address", defaultHTTPAddr)
	configViper.SetDefault("sync.instance_name", "")
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DataDir:      configViper.GetString("data.dir"),
		SyncPort:     configViper.GetInt("sync.port"),
		BindAddress:  configViper.GetString("sync.bind_address"),
		InstanceName: configViper.GetString("sync.instance_name"),
		LogLevel:     configViper.GetString("log.level"),
	}

	if cfg.InstanceName == "" {
		cfg.InstanceName = hostnameOrDefault()
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.SyncPort < 1 || c.SyncPort > 65535 {
		return fmt.Errorf("sync.port must be between 1 and 65535, got %d", c.SyncPort)
	}
	if len(c.InstanceName) > maxInstanceChars {
		return fmt.Errorf("sync.instance_name exceeds %d characters", maxInstanceChars)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDirName
	}
	return filepath.Join(home, defaultDirName)
}

func hostnameOrDefault() string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return "Actual Reader"
	}
	return name
}
