package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "FORUMSYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "forumsync-relay.db"
	defaultCachePath    = "forumsync-cache.db"
	defaultLogLevel     = "info"
	defaultSyncMode     = SyncModeOff
	defaultSyncInterval = 4 * time.Second
	defaultPullTimeout  = 3 * time.Second
	defaultPushQueue    = 256
	defaultS3Region     = "us-east-1"
	defaultS3Key        = "forumsync/state.json"
	defaultIssuer       = "forumsync-relay"
	defaultTokenTTL     = 24 * 60
)

// SyncMode selects the remote adapter of a client engine.
type SyncMode string

const (
	SyncModeOff      SyncMode = "off"
	SyncModeBlobHTTP SyncMode = "blob-http"
	SyncModeBlobS3   SyncMode = "blob-s3"
	SyncModeLive     SyncMode = "live"
)

// S3Settings locates the shared document of the blob-s3 mode.
type S3Settings struct {
	Bucket    string
	Region    string
	Endpoint  string
	Key       string
	PathStyle bool
}

// EngineConfig captures the configuration of one client runtime.
type EngineConfig struct {
	CachePath    string
	BusDirectory string
	BusOrigin    string
	SyncMode     SyncMode
	BlobURL      string
	RelayURL     string
	SyncToken    string
	SyncInterval time.Duration
	PullTimeout  time.Duration
	PushQueue    int
	S3           S3Settings
	CatalogPath  string
	Timezone     string
	LogLevel     string
}

// RelayConfig captures the configuration of the relay server.
type RelayConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	Issuer        string
	TokenTTL      time.Duration
	LogLevel      string
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
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)

	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("sync.mode", string(defaultSyncMode))
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.pull_timeout", defaultPullTimeout)
	configViper.SetDefault("sync.push_queue", defaultPushQueue)
	configViper.SetDefault("s3.region", defaultS3Region)
	configViper.SetDefault("s3.key", defaultS3Key)
	configViper.SetDefault("derived.timezone", "UTC")
}

// LoadEngine parses a client runtime configuration from viper.
func LoadEngine(configViper *viper.Viper) (EngineConfig, error) {
	cfg := EngineConfig{
		CachePath:    strings.TrimSpace(configViper.GetString("cache.path")),
		BusDirectory: strings.TrimSpace(configViper.GetString("bus.directory")),
		BusOrigin:    strings.TrimSpace(configViper.GetString("bus.origin")),
		SyncMode:     SyncMode(strings.ToLower(strings.TrimSpace(configViper.GetString("sync.mode")))),
		BlobURL:      strings.TrimSpace(configViper.GetString("sync.blob_url")),
		RelayURL:     strings.TrimSpace(configViper.GetString("sync.relay_url")),
		SyncToken:    configViper.GetString("sync.token"),
		SyncInterval: configViper.GetDuration("sync.interval"),
		PullTimeout:  configViper.GetDuration("sync.pull_timeout"),
		PushQueue:    configViper.GetInt("sync.push_queue"),
		S3: S3Settings{
			Bucket:    strings.TrimSpace(configViper.GetString("s3.bucket")),
			Region:    strings.TrimSpace(configViper.GetString("s3.region")),
			Endpoint:  strings.TrimSpace(configViper.GetString("s3.endpoint")),
			Key:       strings.TrimSpace(configViper.GetString("s3.key")),
			PathStyle: configViper.GetBool("s3.path_style"),
		},
		CatalogPath: strings.TrimSpace(configViper.GetString("catalog.path")),
		Timezone:    strings.TrimSpace(configViper.GetString("derived.timezone")),
		LogLevel:    configViper.GetString("log.level"),
	}
	if cfg.BusOrigin == "" {
		cfg.BusOrigin = fmt.Sprintf("client-%d", os.Getpid())
	}

	if err := cfg.validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem.
func (c EngineConfig) Validate() error {
	return c.validate()
}

func (c EngineConfig) validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.BusDirectory != "" && strings.ContainsAny(c.BusOrigin, `/\.`) {
		return fmt.Errorf("bus.origin must not contain path separators or dots")
	}
	switch c.SyncMode {
	case SyncModeOff:
	case SyncModeBlobHTTP:
		if c.BlobURL == "" {
			return fmt.Errorf("sync.blob_url is required for sync.mode %s", c.SyncMode)
		}
	case SyncModeBlobS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for sync.mode %s", c.SyncMode)
		}
	case SyncModeLive:
		if c.RelayURL == "" {
			return fmt.Errorf("sync.relay_url is required for sync.mode %s", c.SyncMode)
		}
	default:
		return fmt.Errorf("sync.mode %q is not one of off, blob-http, blob-s3, live", c.SyncMode)
	}
	if c.SyncInterval < 0 || c.PullTimeout < 0 {
		return fmt.Errorf("sync.interval and sync.pull_timeout must not be negative")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("derived.timezone: %w", err)
		}
	}
	return nil
}

// LoadRelay parses the relay server configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// AuthEnabled reports whether the relay requires bearer tokens.
func (c RelayConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.AuthEnabled() && strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}
