package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := fromViper(v)
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 12, cfg.Enrollment.RenewalAfterMonths)
	assert.Equal(t, time.UTC, cfg.Enrollment.Location)
	assert.Equal(t, 10*time.Minute, cfg.Catalog.CacheTTL)
	assert.Equal(t, NotifyProviderLog, cfg.Notify.Provider)
	assert.False(t, cfg.Redis.Enabled)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("ENROLLMENT_RENEWAL_AFTER_MONTHS", 0)
	v.Set("CATALOG_CACHE_TTL", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := fromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Enrollment.RenewalAfterMonths)
	assert.Equal(t, 10*time.Minute, cfg.Catalog.CacheTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestFromViperRejectsSendgridWithoutKey(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("NOTIFY_PROVIDER", "SendGrid")

	_, err := fromViper(v)
	require.Error(t, err)
}

func TestFromViperRejectsUnknownTimezone(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("ENROLLMENT_TIMEZONE", "Mars/Olympus")

	_, err := fromViper(v)
	require.Error(t, err)
}
