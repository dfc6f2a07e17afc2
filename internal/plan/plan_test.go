package plan

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() Input {
	return Input{
		TargetURL:     "https://example.com",
		TestKind:      TestKindProtocol,
		TotalVUs:      10,
		PerWorkerVUs:  5,
		Duration:      "1m",
		Registry:      "registry.example.io",
		BlobNamespace: "results",
	}
}

func TestCompile_Valid(t *testing.T) {
	p, err := Compile(validInput())
	require.NoError(t, err)

	assert.Equal(t, 10, p.TotalVUs)
	assert.Equal(t, 5, p.PerWorkerVUs)
	assert.Equal(t, time.Minute, p.Duration)
	assert.Equal(t, "registry.example.io/k6-worker:latest", p.WorkerImageRef)
	assert.Equal(t, Resources{CPUCores: 1.0, MemoryGiB: 2.0}, p.WorkerResources)
	assert.True(t, strings.HasPrefix(p.RunID, "run-"))
	assert.NotContains(t, p.RunID, " ")
}

func TestCompile_BrowserDefaults(t *testing.T) {
	in := validInput()
	in.TestKind = TestKindBrowser
	p, err := Compile(in)
	require.NoError(t, err)

	assert.Equal(t, "registry.example.io/k6-playwright-worker:latest", p.WorkerImageRef)
	assert.Equal(t, Resources{CPUCores: 2.0, MemoryGiB: 4.0}, p.WorkerResources)
}

func TestCompile_ExplicitImageWins(t *testing.T) {
	in := validInput()
	in.ImageRef = "ghcr.io/acme/custom-worker:v3"
	p, err := Compile(in)
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/acme/custom-worker:v3", p.WorkerImageRef)
}

func TestCompile_CollectsEveryViolation(t *testing.T) {
	in := Input{
		TargetURL:     "ftp://example.com",
		TestKind:      "chaos",
		TotalVUs:      0,
		PerWorkerVUs:  -1,
		Duration:      "90",
		BlobNamespace: "",
	}
	_, err := Compile(in)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 6)
	assert.Contains(t, err.Error(), "total_vus")
	assert.Contains(t, err.Error(), "duration")
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"2m", 2 * time.Minute, true},
		{"1h", time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"0s", 0, false},
		{"90", 0, false},
		{"1.5m", 0, false},
		{"2ms", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDurationString_RoundTrips(t *testing.T) {
	for _, s := range []string{"45s", "2m", "3h", "1d"} {
		d, err := ParseDuration(s)
		require.NoError(t, err)
		p := &RunPlan{Duration: d}
		assert.Equal(t, s, p.DurationString())
	}
}

func TestNewRunID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRunID()
		assert.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}
