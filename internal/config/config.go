package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "INTAKE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "intake.db"
	defaultLogLevel        = "info"
	defaultLogEncoding     = "json"
	defaultUploadDir       = "uploads"
	defaultMaxFileBytes    = 5 << 20
	defaultMaxAttachments  = 3
	defaultMaxPayloadBytes = 1 << 20
	defaultSweepGrace      = time.Hour

	maxAttachmentsCeiling = 10
)

// AppConfig captures runtime configuration for the API server and the sweep command.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogEncoding        string
	UploadDir          string
	MaxFileBytes       int64
	MaxAttachments     int
	MaxPayloadBytes    int64
	CORSAllowedOrigins []string
	SweepGracePeriod   time.Duration
}

// MaxRequestBytes bounds a whole submission body.
func (c AppConfig) MaxRequestBytes() int64 {
	return int64(c.MaxAttachments)*c.MaxFileBytes + c.MaxPayloadBytes + 1<<20
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
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("storage.upload_dir", defaultUploadDir)
	configViper.SetDefault("storage.max_file_bytes", defaultMaxFileBytes)
	configViper.SetDefault("storage.max_attachments", defaultMaxAttachments)
	configViper.SetDefault("storage.max_payload_bytes", defaultMaxPayloadBytes)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("sweep.grace_period", defaultSweepGrace)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogEncoding:        configViper.GetString("log.encoding"),
		UploadDir:          configViper.GetString("storage.upload_dir"),
		MaxFileBytes:       configViper.GetInt64("storage.max_file_bytes"),
		MaxAttachments:     configViper.GetInt("storage.max_attachments"),
		MaxPayloadBytes:    configViper.GetInt64("storage.max_payload_bytes"),
		CORSAllowedOrigins: splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		SweepGracePeriod:   configViper.GetDuration("sweep.grace_period"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both list values and a comma separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		return fmt.Errorf("storage.upload_dir is required")
	}
	if c.MaxFileBytes <= 0 {
		return fmt.Errorf("storage.max_file_bytes must be positive")
	}
	if c.MaxAttachments <= 0 || c.MaxAttachments > maxAttachmentsCeiling {
		return fmt.Errorf("storage.max_attachments must be between 1 and %d", maxAttachmentsCeiling)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("storage.max_payload_bytes must be positive")
	}
	if c.SweepGracePeriod < 0 {
		return fmt.Errorf("sweep.grace_period must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogEncoding)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console")
	}
	return nil
}
