package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPipeline_Defaults(t *testing.T) {
	t.Setenv("EMAIL_PROVIDER", "")
	t.Setenv("BATCH_SIZE", "")

	c, err := LoadPipeline()
	require.NoError(t, err)

	assert.Equal(t, ProviderSES, c.Provider)
	assert.Equal(t, 20, c.ValidationConcurrency)
	assert.Equal(t, 3, c.SuppressionConcurrency)
	assert.Equal(t, 5, c.MXConcurrency)
	assert.Equal(t, 10, c.BatchSize)
	assert.Equal(t, 3, c.SendConcurrency)
	assert.Equal(t, 5, c.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, c.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, c.BatchDelay)
	assert.Equal(t, 24*time.Hour, c.CacheTTL)
}

func TestLoadPipeline_Overrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("BATCH_DELAY", "0s")
	t.Setenv("EMAIL_PROVIDER", "resend")
	t.Setenv("RESEND_API_KEY", "re_test")

	c, err := LoadPipeline()
	require.NoError(t, err)
	assert.Equal(t, 25, c.BatchSize)
	assert.Equal(t, time.Duration(0), c.BatchDelay)
	assert.Equal(t, ProviderResend, c.Provider)
}

func TestLoadPipeline_Errors(t *testing.T) {
	t.Run("bad int", func(t *testing.T) {
		t.Setenv("SEND_CONCURRENCY", "zero")
		_, err := LoadPipeline()
		require.ErrorContains(t, err, "SEND_CONCURRENCY")
	})
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("SEND_TIMEOUT", "soon")
		_, err := LoadPipeline()
		require.ErrorContains(t, err, "SEND_TIMEOUT")
	})
	t.Run("resend without key", func(t *testing.T) {
		t.Setenv("EMAIL_PROVIDER", "resend")
		t.Setenv("RESEND_API_KEY", "")
		_, err := LoadPipeline()
		require.ErrorContains(t, err, "RESEND_API_KEY")
	})
	t.Run("unknown provider", func(t *testing.T) {
		t.Setenv("EMAIL_PROVIDER", "pigeon")
		_, err := LoadPipeline()
		require.ErrorContains(t, err, "pigeon")
	})
}
