package distribute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cole20444/load-opt-agent/internal/plan"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name       string
		total, per int
		want       []int
	}{
		{"single worker single vu", 1, 1, []int{1}},
		{"exact fit one worker", 10, 10, []int{10}},
		{"one over", 11, 10, []int{10, 1}},
		{"even split", 10, 5, []int{5, 5}},
		{"remainder on last", 5, 2, []int{2, 2, 1}},
		{"per larger than total", 3, 100, []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.total, tt.per)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			sum := 0
			for _, v := range got {
				assert.GreaterOrEqual(t, v, 1)
				sum += v
			}
			assert.Equal(t, tt.total, sum)
		})
	}
}

func TestSplit_SumInvariantSweep(t *testing.T) {
	for total := 1; total <= 200; total++ {
		for per := 1; per <= 40; per++ {
			slices, err := Split(total, per)
			require.NoError(t, err)

			sum := 0
			for _, v := range slices {
				require.GreaterOrEqual(t, v, 1, "total=%d per=%d", total, per)
				sum += v
			}
			require.Equal(t, total, sum, "total=%d per=%d", total, per)
		}
	}
}

func TestSplit_Invalid(t *testing.T) {
	for _, tt := range []struct{ total, per int }{
		{0, 5}, {-1, 5}, {5, 0}, {5, -2}, {0, 0},
	} {
		_, err := Split(tt.total, tt.per)
		var derr *InvalidDistributionError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, tt.total, derr.TotalVUs)
		assert.Equal(t, tt.per, derr.PerWorkerVUs)
	}
}

func testPlan(t *testing.T) *plan.RunPlan {
	t.Helper()
	return &plan.RunPlan{
		RunID:         "run-20250101-000000-abcd1234",
		TargetURL:     "https://example.com",
		TestKind:      plan.TestKindProtocol,
		TotalVUs:      5,
		Duration:      30 * time.Second,
		PerWorkerVUs:  2,
		BlobNamespace: "results",
		EnvOverrides:  map[string]string{"EXTRA": "1"},
	}
}

func TestForPlan(t *testing.T) {
	assignments, err := ForPlan(testPlan(t))
	require.NoError(t, err)
	require.Len(t, assignments, 3)

	for i, a := range assignments {
		assert.Equal(t, i, a.WorkerIndex)
		assert.Equal(t, 3, a.WorkerCount)
	}
	assert.Equal(t, []int{2, 2, 1}, []int{assignments[0].VUs, assignments[1].VUs, assignments[2].VUs})
}

func TestWorkerEnv(t *testing.T) {
	assignments, err := ForPlan(testPlan(t))
	require.NoError(t, err)

	env := WorkerEnv(assignments[2])
	assert.Equal(t, "2", env["WORKER_INDEX"])
	assert.Equal(t, "3", env["WORKER_COUNT"])
	assert.Equal(t, "5", env["TOTAL_VUS"])
	assert.Equal(t, "1", env["VUS"])
	assert.Equal(t, "30s", env["DURATION"])
	assert.Equal(t, "run-20250101-000000-abcd1234", env["RUN_ID"])
	assert.Equal(t, "protocol", env["TEST_TYPE"])
	assert.Equal(t, "https://example.com", env["TARGET_URL"])
	assert.Equal(t, "results", env["BLOB_NAMESPACE"])
	assert.Equal(t, "1", env["K6_VUS"])
	assert.Equal(t, "json=summary_2.json", env["K6_OUT"])
	assert.Equal(t, "1", env["EXTRA"])
}
