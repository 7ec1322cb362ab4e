package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "READCIRCLE"
	defaultHTTPAddress  = "127.0.0.1:8080"
	defaultDatabasePath = "readcircle.db"
	defaultLogLevel     = "info"
	defaultUIOrigin     = "http://localhost:3000"
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress       string
	RemoteURL         string
	RemoteAPIKey      string
	RemoteAccessToken string
	DatabasePath      string
	LogLevel          string
	UIOrigin          string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("ui.origin", defaultUIOrigin)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		RemoteURL:         configViper.GetString("remote.url"),
		RemoteAPIKey:      configViper.GetString("remote.api_key"),
		RemoteAccessToken: configViper.GetString("remote.access_token"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		UIOrigin:          configViper.GetString("ui.origin"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteURL) == "" {
		return fmt.Errorf("remote.url is required")
	}
	if strings.TrimSpace(c.RemoteAPIKey) == "" {
		return fmt.Errorf("remote.api_key is required")
	}
	if strings.TrimSpace(c.RemoteAccessToken) == "" {
		return fmt.Errorf("remote.access_token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
