package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "GRAVITY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultSyncURL           = "ws://127.0.0.1:8080/ws"
	defaultDatabasePath      = "gravity-workspace.db"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 60
	defaultReconnectBase     = 5 * time.Second
	defaultReconnectMax      = 180 * time.Second
	defaultReconnectAttempts = 30
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultCompactThreshold  = 500
)

// AppConfig captures runtime configuration for the sync authority and the workspace client.
type AppConfig struct {
	HTTPAddress          string
	SyncURL              string
	DatabasePath         string
	LogLevel             string
	SigningSecret        string
	Token                string
	TokenTTL             time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	CompactThreshold     int
	ClientID             uint64
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
	configViper.SetDefault("sync.url", defaultSyncURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("reconnect.base_delay", defaultReconnectBase)
	configViper.SetDefault("reconnect.max_delay", defaultReconnectMax)
	configViper.SetDefault("reconnect.max_attempts", defaultReconnectAttempts)
	configViper.SetDefault("heartbeat.interval", defaultHeartbeatInterval)
	configViper.SetDefault("heartbeat.timeout", defaultHeartbeatTimeout)
	configViper.SetDefault("storage.compact_threshold", defaultCompactThreshold)
	configViper.SetDefault("client.id", 0)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		SyncURL:              configViper.GetString("sync.url"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		Token:                configViper.GetString("auth.token"),
		TokenTTL:             time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		ReconnectBaseDelay:   configViper.GetDuration("reconnect.base_delay"),
		ReconnectMaxDelay:    configViper.GetDuration("reconnect.max_delay"),
		ReconnectMaxAttempts: configViper.GetInt("reconnect.max_attempts"),
		HeartbeatInterval:    configViper.GetDuration("heartbeat.interval"),
		HeartbeatTimeout:     configViper.GetDuration("heartbeat.timeout"),
		CompactThreshold:     configViper.GetInt("storage.compact_threshold"),
		ClientID:             configViper.GetUint64("client.id"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSigningSecret reports a missing auth.signing_secret. Only the authority and the
// token command need it.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect.base_delay must be positive and not exceed reconnect.max_delay")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat.timeout must exceed heartbeat.interval")
	}
	if c.CompactThreshold < 2 {
		return fmt.Errorf("storage.compact_threshold must be at least 2")
	}
	return nil
}
