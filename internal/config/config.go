package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "SKIDDYS"
	defaultHTTPAddress     = "0.0.0.0:8090"
	defaultDatabasePath    = "data/skiddys.db"
	defaultFilesDir        = "data/storage"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultCookieName      = "skiddys_session"
	defaultTokenIssuer     = "skiddys-api"
	defaultTokenAudience   = "skiddys-learning-platform"
	defaultTokenTTLMinutes = 720
	defaultAPIBaseURL      = "http://localhost:8090"
	defaultSessionPath     = ".skiddys/session.json"
	defaultRefetchDelayMS  = 250
	defaultFreshForSeconds = 30
	minSigningSecretLength = 32
)

var logLevels = []interface{}{"debug", "info", "warn", "warning", "error"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	FilesDir        string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogLevel        string
	LogFormat       string
	SigningSecret   string
	CookieName      string
	TokenIssuer     string
	TokenAudience   string
	TokenTTL        time.Duration
	TokenTTLMinutes int
	MaxUploadBytes  int64
}

// ClientConfig captures configuration for the command-line client.
type ClientConfig struct {
	APIBaseURL   string
	SessionPath  string
	LogLevel     string
	LogFormat    string
	RefetchDelay time.Duration
	FreshFor     time.Duration
	RefetchMS    int
	FreshSeconds int
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("http.max_upload_bytes", int64(10<<20))
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("files.dir", defaultFilesDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("session.path", defaultSessionPath)
	configViper.SetDefault("cache.refetch_delay_ms", defaultRefetchDelayMS)
	configViper.SetDefault("cache.fresh_for_s", defaultFreshForSeconds)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		MaxUploadBytes:  configViper.GetInt64("http.max_upload_bytes"),
		DatabasePath:    configViper.GetString("database.path"),
		FilesDir:        configViper.GetString("files.dir"),
		PublicBaseURL:   strings.TrimRight(configViper.GetString("public.base_url"), "/"),
		LogLevel:        strings.ToLower(configViper.GetString("log.level")),
		LogFormat:       strings.ToLower(configViper.GetString("log.format")),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		CookieName:      configViper.GetString("auth.cookie_name"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		TokenTTLMinutes: configViper.GetInt("auth.token_ttl_minutes"),
	}
	cfg.TokenTTL = time.Duration(cfg.TokenTTLMinutes) * time.Minute

	if err := cfg.validate(); err != nil {
		return AppConfig{}, fmt.Errorf("invalid server configuration: %w", err)
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:   strings.TrimRight(configViper.GetString("api.base_url"), "/"),
		SessionPath:  configViper.GetString("session.path"),
		LogLevel:     strings.ToLower(configViper.GetString("log.level")),
		LogFormat:    strings.ToLower(configViper.GetString("log.format")),
		RefetchMS:    configViper.GetInt("cache.refetch_delay_ms"),
		FreshSeconds: configViper.GetInt("cache.fresh_for_s"),
	}
	cfg.RefetchDelay = time.Duration(cfg.RefetchMS) * time.Millisecond
	cfg.FreshFor = time.Duration(cfg.FreshSeconds) * time.Second

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("invalid client configuration: %w", err)
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.HTTPAddress, validation.Required),
		validation.Field(&c.DatabasePath, validation.Required),
		validation.Field(&c.FilesDir, validation.Required),
		validation.Field(&c.PublicBaseURL, is.URL),
		validation.Field(&c.LogLevel, validation.In(logLevels...)),
		validation.Field(&c.LogFormat, validation.In("json", "console")),
		validation.Field(&c.SigningSecret, validation.Required, validation.Length(minSigningSecretLength, 0)),
		validation.Field(&c.CookieName, validation.Required),
		validation.Field(&c.TokenIssuer, validation.Required),
		validation.Field(&c.TokenAudience, validation.Required),
		validation.Field(&c.TokenTTLMinutes, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxUploadBytes, validation.Required, validation.Min(int64(1))),
	)
}

func (c *ClientConfig) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.APIBaseURL, validation.Required, is.URL),
		validation.Field(&c.SessionPath, validation.Required),
		validation.Field(&c.LogLevel, validation.In(logLevels...)),
		validation.Field(&c.LogFormat, validation.In("json", "console")),
		validation.Field(&c.RefetchMS, validation.Min(-1)),
		validation.Field(&c.FreshSeconds, validation.Min(0)),
	)
}
