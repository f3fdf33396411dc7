package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	assert.EqualError(t, err, `TEST_INT_BAD="abc" is not a valid integer`)
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	assert.EqualError(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	assert.EqualError(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.75")
	v, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.75, v)

	t.Setenv("TEST_FLOAT", "lots")
	_, err = envFloat("TEST_FLOAT", 0)
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.DefaultMaxAttempts)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Empty(t, cfg.Families())
	assert.Equal(t, 0.5, cfg.Scoring().RewardThreshold)
}

func TestLoadReportsAllBadVariables(t *testing.T) {
	t.Setenv("KAIROS_PORT", "eighty")
	t.Setenv("KAIROS_LEASE_DURATION", "long")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAIROS_PORT")
	assert.Contains(t, err.Error(), "KAIROS_LEASE_DURATION")
}

func TestValidateStaleAfterMustExceedHeartbeat(t *testing.T) {
	t.Setenv("KAIROS_STALE_AFTER", "10s")
	t.Setenv("KAIROS_HEARTBEAT_INTERVAL", "30s")
	_, err := Load()
	assert.ErrorContains(t, err, "KAIROS_STALE_AFTER")
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kairos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadWithFamilyFile(t *testing.T) {
	t.Setenv("KAIROS_CONFIG_FILE", writeFile(t, `
families:
  - task_type: publish.post
    timeout: 90s
    max_attempts: 5
    http:
      url: http://localhost:9000/publish
  - task_type: generate.image
scoring:
  reward_threshold: 0.6
  metrics:
    - {name: likes, weight: 0.5, normalization: log, ceiling: 1000}
    - {name: shares, weight: 0.5, normalization: linear, ceiling: 50}
`))
	t.Setenv("KAIROS_TASK_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	fams := cfg.Families()
	require.Len(t, fams, 2)
	assert.Equal(t, 90*time.Second, fams[0].Timeout)
	assert.Equal(t, 5, fams[0].MaxAttempts)
	require.NotNil(t, fams[0].HTTP)
	assert.Equal(t, "http://localhost:9000/publish", fams[0].HTTP.URL)
	assert.Equal(t, 45*time.Second, fams[1].Timeout, "env default fills unset timeout")
	assert.Equal(t, 3, fams[1].MaxAttempts)
	assert.Equal(t, 2*time.Second, fams[1].PollInterval)

	assert.Equal(t, 0.6, cfg.Scoring().RewardThreshold)
	assert.Len(t, cfg.Scoring().Metrics, 2)
}

func TestFamilyTimeoutMustBeShorterThanLease(t *testing.T) {
	t.Setenv("KAIROS_CONFIG_FILE", writeFile(t, `
families:
  - task_type: slow.job
    timeout: 10m
`))
	_, err := Load()
	assert.ErrorContains(t, err, "must be shorter than KAIROS_LEASE_DURATION")
}

func TestParseFileRejectsUnknownKeys(t *testing.T) {
	_, err := ParseFile([]byte("families:\n  - task_type: a\n    timout: 5s\n"))
	assert.Error(t, err)
}

func TestParseFileRejectsDuplicateFamilies(t *testing.T) {
	_, err := ParseFile([]byte("families:\n  - task_type: a\n  - task_type: a\n"))
	assert.ErrorContains(t, err, "duplicate task_type")
}

func TestParseFileRejectsBadWeights(t *testing.T) {
	_, err := ParseFile([]byte(`
scoring:
  metrics:
    - {name: likes, weight: 0.7, normalization: log, ceiling: 10}
    - {name: shares, weight: 0.7, normalization: log, ceiling: 10}
`))
	assert.ErrorContains(t, err, "weights sum")
}

func TestParseFileEmpty(t *testing.T) {
	f, err := ParseFile(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Families)
	assert.Equal(t, DefaultScoring().Metrics, f.Scoring.Metrics)
}

func TestParseFileFamilyEnqueueRate(t *testing.T) {
	f, err := ParseFile([]byte("families:\n  - task_type: a\n    enqueue_rate: 2.5\n    enqueue_burst: 10\n"))
	require.NoError(t, err)
	assert.Equal(t, 2.5, f.Families[0].EnqueueRate)
	assert.Equal(t, 10, f.Families[0].EnqueueBurst)

	_, err = ParseFile([]byte("families:\n  - task_type: a\n    enqueue_rate: 2\n"))
	assert.ErrorContains(t, err, "enqueue_burst is required")

	_, err = ParseFile([]byte("families:\n  - task_type: a\n    enqueue_rate: -1\n    enqueue_burst: 1\n"))
	assert.ErrorContains(t, err, "must not be negative")
}
