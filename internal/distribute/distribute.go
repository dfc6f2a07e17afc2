// Package distribute partitions a plan's virtual users across workers.
package distribute

import (
	"fmt"
	"strconv"

	"github.com/cole20444/load-opt-agent/internal/plan"
)

// Assignment is one worker's slice of the plan.
type Assignment struct {
	WorkerIndex int
	WorkerCount int
	VUs         int
	Plan        *plan.RunPlan
}

// InvalidDistributionError rejects non-positive distribution parameters.
type InvalidDistributionError struct {
	TotalVUs     int
	PerWorkerVUs int
}

func (e *InvalidDistributionError) Error() string {
	return fmt.Sprintf("invalid distribution: total_vus=%d per_worker_vus=%d (both must be >= 1)",
		e.TotalVUs, e.PerWorkerVUs)
}

// Split computes the per-worker VU slices: ceil(total/perWorker) workers,
// each of the first N-1 carrying perWorker VUs and the last carrying the
// remainder. The slices always sum to total and none is zero.
func Split(totalVUs, perWorkerVUs int) ([]int, error) {
	if totalVUs <= 0 || perWorkerVUs <= 0 {
		return nil, &InvalidDistributionError{TotalVUs: totalVUs, PerWorkerVUs: perWorkerVUs}
	}

	n := (totalVUs + perWorkerVUs - 1) / perWorkerVUs
	slices := make([]int, n)
	for i := 0; i < n-1; i++ {
		slices[i] = perWorkerVUs
	}
	slices[n-1] = totalVUs - (n-1)*perWorkerVUs
	return slices, nil
}

// ForPlan builds the full assignment set for a compiled plan.
func ForPlan(p *plan.RunPlan) ([]Assignment, error) {
	slices, err := Split(p.TotalVUs, p.PerWorkerVUs)
	if err != nil {
		return nil, err
	}

	assignments := make([]Assignment, len(slices))
	for i, vus := range slices {
		assignments[i] = Assignment{
			WorkerIndex: i,
			WorkerCount: len(slices),
			VUs:         vus,
			Plan:        p,
		}
	}
	return assignments, nil
}

// WorkerEnv builds the environment a worker container is launched with:
// the distribution contract plus the k6 knobs the worker images read, plus
// any plan-level overrides.
func WorkerEnv(a Assignment) map[string]string {
	p := a.Plan
	env := map[string]string{
		"WORKER_INDEX":   strconv.Itoa(a.WorkerIndex),
		"WORKER_COUNT":   strconv.Itoa(a.WorkerCount),
		"TOTAL_VUS":      strconv.Itoa(p.TotalVUs),
		"VUS":            strconv.Itoa(a.VUs),
		"DURATION":       p.DurationString(),
		"RUN_ID":         p.RunID,
		"TEST_TYPE":      string(p.TestKind),
		"TARGET_URL":     p.TargetURL,
		"BLOB_NAMESPACE": p.BlobNamespace,

		"K6_VUS":      strconv.Itoa(a.VUs),
		"K6_DURATION": p.DurationString(),
		"K6_OUT":      fmt.Sprintf("json=summary_%d.json", a.WorkerIndex),
	}
	for k, v := range p.EnvOverrides {
		env[k] = v
	}
	return env
}
