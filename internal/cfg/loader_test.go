package cfg

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}
}

// clearEnv unsets every variable the parser reads; the values are restored
// when the test ends.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DB_PATH", "SOURCES_FILE", "PORT", "API_ACCESS_KEY", "SCHEDULE", "WORKER_COUNT",
		"POLL_INTERVAL", "MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "JOB_LEASE",
		"FETCH_TIMEOUT", "MAX_PAGES", "FETCH_RATE", "USER_AGENT", "CLASSIFIER", "CLASSIFIER_MODEL",
		"ANTHROPIC_API_KEY", "GEMINI_API_KEY", "CLASSIFIER_TIMEOUT", "TZ", "DEBUG",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestParseDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := parse(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "./data/ingest.db", cfg.DBPath)
	assert.Equal(t, "./sources.yml", cfg.SourcesFile)
	assert.Equal(t, "@every 1m", cfg.Schedule)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 15*time.Minute, cfg.RetryMaxDelay)
	assert.Equal(t, 15*time.Minute, cfg.JobLease)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 20, cfg.MaxPages)
	assert.Equal(t, 1.0, cfg.FetchRate)
	assert.Equal(t, "none", cfg.Classifier)
	assert.Equal(t, time.Minute, cfg.ClassifierTimeout)
	assert.False(t, cfg.SweepOnce)
}

func TestParseFlagsAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("CLASSIFIER", "gemini")

	cfg, err := parse([]string{"--db-path", "/tmp/x.db", "--sweep-once", "--retry-base-delay", "5"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.True(t, cfg.SweepOnce)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, "gemini", cfg.Classifier)
	assert.Equal(t, 5*time.Second, cfg.RetryBaseDelay)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown classifier", []string{"--classifier", "gpt"}},
		{"zero workers", []string{"--worker-count", "0"}},
		{"zero attempts", []string{"--max-attempts", "0"}},
		{"not a number", []string{"--max-pages", "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := parse(tt.args)
			assert.Error(t, err)
		})
	}
}
