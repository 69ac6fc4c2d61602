package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "WIREMESS"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "wiremess.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultIssuer           = "wiremess-auth"
	defaultAudience         = "wiremess-api"
	defaultCookieName       = "wiremess_session"
	defaultTokenTTLMinutes  = 60
	defaultStorageDriver    = StorageDriverLocal
	defaultLocalPath        = "attachments"
	defaultUploadMaxBytes   = 10 << 20
	defaultSendBuffer       = 64
	defaultMaxMessageBytes  = 16 << 20
	defaultPingIntervalSecs = 30

	// StorageDriverLocal keeps attachments on local disk.
	StorageDriverLocal = "local"
	// StorageDriverS3 keeps attachments in an S3-compatible bucket.
	StorageDriverS3 = "s3"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	Auth               AuthConfig
	Storage            StorageConfig
	UploadMaxBytes     int64
	WebSocket          WebSocketConfig
	CORSAllowedOrigins []string
}

// AuthConfig describes access-token validation.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	CookieName    string
	TokenTTL      time.Duration
}

// StorageConfig selects and configures the attachment driver.
type StorageConfig struct {
	Driver    string
	LocalPath string
	S3        S3Config
}

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// WebSocketConfig tunes the realtime transport.
type WebSocketConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.local_path", defaultLocalPath)
	configViper.SetDefault("storage.s3.region", "")
	configViper.SetDefault("storage.s3.bucket", "")
	configViper.SetDefault("storage.s3.endpoint", "")
	configViper.SetDefault("storage.s3.access_key_id", "")
	configViper.SetDefault("storage.s3.secret_access_key", "")
	configViper.SetDefault("storage.s3.use_path_style", false)
	configViper.SetDefault("upload.max_bytes", defaultUploadMaxBytes)
	configViper.SetDefault("websocket.send_buffer", defaultSendBuffer)
	configViper.SetDefault("websocket.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("websocket.ping_interval_seconds", defaultPingIntervalSecs)
	configViper.SetDefault("cors.allowed_origins", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			CookieName:    configViper.GetString("auth.cookie_name"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Storage: StorageConfig{
			Driver:    strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
			LocalPath: configViper.GetString("storage.local_path"),
			S3: S3Config{
				Bucket:          configViper.GetString("storage.s3.bucket"),
				Region:          configViper.GetString("storage.s3.region"),
				Endpoint:        configViper.GetString("storage.s3.endpoint"),
				AccessKeyID:     configViper.GetString("storage.s3.access_key_id"),
				SecretAccessKey: configViper.GetString("storage.s3.secret_access_key"),
				UsePathStyle:    configViper.GetBool("storage.s3.use_path_style"),
			},
		},
		UploadMaxBytes: configViper.GetInt64("upload.max_bytes"),
		WebSocket: WebSocketConfig{
			SendBuffer:      configViper.GetInt("websocket.send_buffer"),
			MaxMessageBytes: configViper.GetInt64("websocket.max_message_bytes"),
			PingInterval:    time.Duration(configViper.GetInt("websocket.ping_interval_seconds")) * time.Second,
		},
		CORSAllowedOrigins: splitOrigins(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.Storage.Driver {
	case StorageDriverLocal:
		if strings.TrimSpace(c.Storage.LocalPath) == "" {
			return fmt.Errorf("storage.local_path is required for the local driver")
		}
	case StorageDriverS3:
		if strings.TrimSpace(c.Storage.S3.Bucket) == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q", StorageDriverLocal, StorageDriverS3)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 || c.WebSocket.MaxMessageBytes <= 0 || c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket settings must be positive")
	}
	return nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
