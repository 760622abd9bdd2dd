package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/apperr"
	"groupcast/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
platform:
  driver: sim
  send_timeout: 10s
run:
  group_delay_seconds: 20
  cycle_delay_minutes: 90
maintenance:
  log_retention: 168h
`)
	t.Setenv("GROUPCAST_RUN_MAX_RETRIES", "5")
	t.Setenv("GROUPCAST_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "sim", cfg.Platform.Driver)
	assert.Equal(t, 10*time.Second, cfg.Platform.SendTimeout)
	assert.Equal(t, 20, cfg.Run.GroupDelaySeconds)
	assert.Equal(t, 90, cfg.Run.CycleDelayMinutes)
	assert.Equal(t, 5, cfg.Run.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7*24*time.Hour, cfg.Maintenance.LogRetention)
	// untouched defaults
	assert.Equal(t, 2*time.Second, cfg.Dispatch.BackoffBase)
	assert.Equal(t, 3, cfg.Dispatch.PasswordAttempts)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	path := writeConfig(t, `
platform:
  driver: carrier-pigeon
run:
  group_delay_seconds: 2
  rate_limit_buffer_percent: 70
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))
	assert.ElementsMatch(t, []string{
		"platform.driver must be one of [telegram sim]",
		"run.group_delay_seconds must be at least 5",
		"run.rate_limit_buffer_percent must be at most 50",
	}, apperr.DetailsOf(err))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRunConfig(t *testing.T) {
	t.Parallel()
	require.NoError(t, ValidateRunConfig(model.DefaultRunConfig()))

	err := ValidateRunConfig(model.RunConfig{GroupDelaySeconds: 31, CycleDelayMinutes: 59, MaxRetries: 0, RateLimitBufferPercent: -1})
	require.Error(t, err)
	assert.Equal(t, []string{
		"group_delay_seconds must be at most 30",
		"cycle_delay_minutes must be at least 60",
		"max_retries must be at least 1",
		"rate_limit_buffer_percent must be at least 0",
	}, apperr.DetailsOf(err))
}
