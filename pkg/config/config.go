package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Notification providers understood by NotifyConfig.Provider.
const (
	NotifyProviderLog      = "log"
	NotifyProviderSendgrid = "sendgrid"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Enrollment EnrollmentConfig
	Catalog    CatalogConfig
	Documents  DocumentsConfig
	Notify     NotifyConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// EnrollmentConfig tunes the enrollment lifecycle rules.
type EnrollmentConfig struct {
	RenewalAfterMonths int
	Location           *time.Location
}

// CatalogConfig controls course catalog caching.
type CatalogConfig struct {
	CacheTTL time.Duration
}

// DocumentsConfig configures storage of generated agreement documents.
type DocumentsConfig struct {
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

// NotifyConfig selects the outbound notification provider.
type NotifyConfig struct {
	Provider       string
	SendgridAPIKey string
	FromEmail      string
	FromName       string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: v.GetString("JWT_AUDIENCE"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	loc, err := time.LoadLocation(v.GetString("ENROLLMENT_TIMEZONE"))
	if err != nil {
		return nil, err
	}
	renewalMonths := v.GetInt("ENROLLMENT_RENEWAL_AFTER_MONTHS")
	if renewalMonths <= 0 {
		renewalMonths = 12
	}
	cfg.Enrollment = EnrollmentConfig{
		RenewalAfterMonths: renewalMonths,
		Location:           loc,
	}

	cfg.Catalog = CatalogConfig{
		CacheTTL: parseDuration(v.GetString("CATALOG_CACHE_TTL"), 10*time.Minute),
	}

	cfg.Documents = DocumentsConfig{
		StorageDir:      v.GetString("DOCUMENTS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("DOCUMENTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("DOCUMENTS_SIGNED_URL_TTL"), 30*time.Minute),
	}

	cfg.Notify = NotifyConfig{
		Provider:       strings.ToLower(v.GetString("NOTIFY_PROVIDER")),
		SendgridAPIKey: v.GetString("SENDGRID_API_KEY"),
		FromEmail:      v.GetString("NOTIFY_FROM_EMAIL"),
		FromName:       v.GetString("NOTIFY_FROM_NAME"),
	}
	if cfg.Notify.Provider == NotifyProviderSendgrid && cfg.Notify.SendgridAPIKey == "" {
		return nil, errors.New("SENDGRID_API_KEY is required when NOTIFY_PROVIDER=sendgrid")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "lms_backoffice")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENROLLMENT_RENEWAL_AFTER_MONTHS", 12)
	v.SetDefault("ENROLLMENT_TIMEZONE", "UTC")
	v.SetDefault("CATALOG_CACHE_TTL", "10m")

	v.SetDefault("DOCUMENTS_STORAGE_DIR", "./documents")
	v.SetDefault("DOCUMENTS_SIGNED_URL_SECRET", "dev_documents_secret")
	v.SetDefault("DOCUMENTS_SIGNED_URL_TTL", "30m")

	v.SetDefault("NOTIFY_PROVIDER", NotifyProviderLog)
	v.SetDefault("SENDGRID_API_KEY", "")
	v.SetDefault("NOTIFY_FROM_EMAIL", "no-reply@example.com")
	v.SetDefault("NOTIFY_FROM_NAME", "LMS Back Office")
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
