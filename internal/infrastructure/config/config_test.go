package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Pool policy
	assert.Equal(t, 2, cfg.Pool.MaxStandbyPerImage)
	assert.Equal(t, 10, cfg.Pool.MaxRunningTotal)
	assert.Equal(t, 3*time.Hour, cfg.Pool.StaleLeaseTTL)

	// Runtime config
	assert.Equal(t, BackendDocker, cfg.Runtime.Backend)
	assert.Equal(t, 4444, cfg.Runtime.ControlPort)
	assert.Equal(t, 90*time.Second, cfg.Runtime.ReadyTimeout)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                  "9000",
		"HOST":                  "127.0.0.1",
		"MAX_STANDBY_PER_IMAGE": "5",
		"MAX_RUNNING_TOTAL":     "25",
		"STALE_LEASE_TTL":       "45m",
		"DEPLOYMENT_BACKEND":    "kubernetes",
		"K8S_NAMESPACE":         "testing",
		"LOG_LEVEL":             "debug",
		"LOG_DEV":               "true",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5, cfg.Pool.MaxStandbyPerImage)
	assert.Equal(t, 25, cfg.Pool.MaxRunningTotal)
	assert.Equal(t, 45*time.Minute, cfg.Pool.StaleLeaseTTL)
	assert.Equal(t, BackendKubernetes, cfg.Runtime.Backend)
	assert.Equal(t, "testing", cfg.Runtime.Namespace)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadWithPartialEnvironmentVariables(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Defaults still apply
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 10, cfg.Pool.MaxRunningTotal)
	assert.Equal(t, BackendDocker, cfg.Runtime.Backend)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	raw := `
extra_hosts:
  - hostname: selenoid.cometa.local
    ip: 172.18.0.5
  - hostname: artifact-store
    ip: 172.18.0.9
memory_bytes: 2147483648
nano_cpus: 2000000000
shm_bytes: 268435456
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)

	require.Len(t, policy.ExtraHosts, 2)
	assert.Equal(t, "selenoid.cometa.local", policy.ExtraHosts[0].Hostname)
	assert.Equal(t, "172.18.0.5", policy.ExtraHosts[0].IP)
	assert.Equal(t, int64(2*1024*1024*1024), policy.MemoryBytes)
	assert.Equal(t, int64(2_000_000_000), policy.NanoCPUs)
	assert.Equal(t, int64(256*1024*1024), policy.ShmBytes)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadMergesPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte("memory_bytes: 1024\n"), 0o644))
	t.Setenv("POLICY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), cfg.Policy.MemoryBytes)
}
