package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "INBOXSYNC"
	defaultDatabasePath    = "inboxsync.db"
	defaultLogLevel        = "info"
	defaultRecentLimit     = 10
	defaultEnrichInterval  = time.Hour
	defaultResyncInterval  = 30 * time.Second
	defaultBlobDirectory   = "blobs"
	defaultUploadBucket    = "attachments"
	defaultNetworkEnv      = "production"
	defaultStreamBufferLen = 16
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	DatabasePath    string
	LogLevel        string
	LocalAddress    string
	NetworkEnv      string
	BlobDirectory   string
	UploadEndpoint  string
	UploadBucket    string
	RecentLimit     int
	EnrichInterval  time.Duration
	ResyncInterval  time.Duration
	StreamBufferLen int
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("network.env", defaultNetworkEnv)
	configViper.SetDefault("blob.directory", defaultBlobDirectory)
	configViper.SetDefault("upload.bucket", defaultUploadBucket)
	configViper.SetDefault("sync.recent_limit", defaultRecentLimit)
	configViper.SetDefault("sync.enrich_interval", defaultEnrichInterval)
	configViper.SetDefault("sync.resync_interval", defaultResyncInterval)
	configViper.SetDefault("sync.stream_buffer", defaultStreamBufferLen)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LocalAddress:    configViper.GetString("network.local_address"),
		NetworkEnv:      configViper.GetString("network.env"),
		BlobDirectory:   configViper.GetString("blob.directory"),
		UploadEndpoint:  configViper.GetString("upload.endpoint"),
		UploadBucket:    configViper.GetString("upload.bucket"),
		RecentLimit:     configViper.GetInt("sync.recent_limit"),
		EnrichInterval:  configViper.GetDuration("sync.enrich_interval"),
		ResyncInterval:  configViper.GetDuration("sync.resync_interval"),
		StreamBufferLen: configViper.GetInt("sync.stream_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RecentLimit <= 0 {
		return fmt.Errorf("sync.recent_limit must be positive")
	}
	if c.EnrichInterval <= 0 {
		return fmt.Errorf("sync.enrich_interval must be positive")
	}
	return nil
}
