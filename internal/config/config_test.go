package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cole20444/load-opt-agent/internal/plan"
)

const sampleYAML = `
target: https://staging.example.com
test_type: browser
distribution:
  total_vus: 50
  duration: 2m
  vus_per_container:
    protocol: 20
    browser: 5
  resources:
    browser:
      cpu: 4.0
      memory: 8.0
storage:
  mode: azure
  namespace: loadtest-results
  account: acmeloadtest
azure:
  subscription_id: 00000000-0000-0000-0000-000000000000
  resource_group: loadtest-rg
  location: westus2
  container_registry: acme.azurecr.io
env:
  FEATURE_FLAG: "on"
log_level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://staging.example.com", cfg.Target)
	assert.Equal(t, "browser", cfg.TestType)
	assert.Equal(t, 50, cfg.Distribution.TotalVUs)
	assert.Equal(t, "2m", cfg.Distribution.Duration)
	assert.Equal(t, "azure", cfg.Storage.Mode)
	assert.Equal(t, "acmeloadtest", cfg.Storage.Account)
	assert.Equal(t, "loadtest-rg", cfg.Azure.ResourceGroup)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "target: https://example.com\n"))
	require.NoError(t, err)

	assert.Equal(t, "protocol", cfg.TestType)
	assert.Equal(t, 10, cfg.Distribution.TotalVUs)
	assert.Equal(t, "1m", cfg.Distribution.Duration)
	assert.Equal(t, "local", cfg.Storage.Mode)
	assert.Equal(t, "results", cfg.Storage.Namespace)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "target: [unclosed"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPlanInput(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	in := cfg.PlanInput()
	assert.Equal(t, plan.TestKindBrowser, in.TestKind)
	assert.Equal(t, 50, in.TotalVUs)
	assert.Equal(t, 5, in.PerWorkerVUs)
	assert.Equal(t, "acme.azurecr.io", in.Registry)
	assert.Equal(t, "loadtest-results", in.BlobNamespace)
	require.NotNil(t, in.Resources)
	assert.Equal(t, plan.Resources{CPUCores: 4.0, MemoryGiB: 8.0}, *in.Resources)
	assert.Equal(t, "on", in.EnvOverrides["FEATURE_FLAG"])

	// the compiled plan picks the browser worker image
	p, err := plan.Compile(in)
	require.NoError(t, err)
	assert.Equal(t, "acme.azurecr.io/k6-playwright-worker:latest", p.WorkerImageRef)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("LOADAGENT_TARGET", "https://override.example.com")
	t.Setenv("LOADAGENT_TOTAL_VUS", "99")
	t.Setenv("LOADAGENT_DURATION", "5m")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://override.example.com", cfg.Target)
	assert.Equal(t, 99, cfg.Distribution.TotalVUs)
	assert.Equal(t, "5m", cfg.Distribution.Duration)
}
