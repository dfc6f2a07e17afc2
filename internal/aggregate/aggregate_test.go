package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cole20444/load-opt-agent/internal/blob"
	"github.com/cole20444/load-opt-agent/internal/manager"
	"github.com/cole20444/load-opt-agent/internal/plan"
)

func testPlan() *plan.RunPlan {
	return &plan.RunPlan{
		RunID:         "run-test-abcd1234",
		TargetURL:     "https://example.com",
		TestKind:      plan.TestKindProtocol,
		TotalVUs:      10,
		Duration:      time.Minute,
		PerWorkerVUs:  5,
		BlobNamespace: "results",
	}
}

// workerStream builds a worker's NDJSON summary: n http_req_duration
// points ramping from base, plus the completion trailer.
func workerStream(workerIndex, n int, base float64) string {
	var b strings.Builder
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fmt.Fprintf(&b, `{"kind":"Metric","metric":"http_req_duration","type":"trend"}`+"\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b,
			`{"kind":"Point","metric":"http_req_duration","data":{"time":%q,"value":%g,"tags":{"status":"200"}}}`+"\n",
			ts.Add(time.Duration(i)*100*time.Millisecond).Format(time.RFC3339Nano), base+float64(i))
	}
	fmt.Fprintf(&b,
		`{"kind":"Completion","worker_index":%d,"vus_used":5,"iterations":%d,"wall_clock_ms":60000,"exit_code":0}`+"\n",
		workerIndex, n)
	return b.String()
}

func succeededHandles(n int) []manager.Handle {
	zero := int32(0)
	handles := make([]manager.Handle, n)
	for i := range handles {
		handles[i] = manager.Handle{WorkerIndex: i, State: manager.StateSucceeded, ExitCode: &zero}
	}
	return handles
}

func putWorkerSummary(t *testing.T, store blob.Store, p *plan.RunPlan, index int, body string) {
	t.Helper()
	name := blob.ObjectName(p.RunID, fmt.Sprintf("summary_%d.json", index))
	require.NoError(t, store.Put(context.Background(), p.BlobNamespace, name, strings.NewReader(body)))
}

func TestAggregate_TwoWorkersMerge(t *testing.T) {
	p := testPlan()
	store := blob.NewMemoryStore()
	putWorkerSummary(t, store, p, 0, workerStream(0, 300, 100))
	putWorkerSummary(t, store, p, 1, workerStream(1, 300, 100))

	a := New(store, zap.NewNop(), nil)
	summary, err := a.Aggregate(context.Background(), p, succeededHandles(2))
	require.NoError(t, err)

	s, ok := summary.Metrics["http_req_duration"]
	require.True(t, ok)
	assert.Equal(t, int64(600), s.Count)
	assert.Equal(t, 100.0, s.Min)
	assert.Equal(t, 399.0, s.Max)
	assert.InDelta(t, 249.5, s.Mean, 0.01)
	assert.InDelta(t, 385.0, s.Percentiles.P95, 2.0)
	assert.Equal(t, "trend", summary.MetricTypes["http_req_duration"])

	m := summary.Manifest
	assert.Equal(t, 2, m.WorkerCount)
	assert.Equal(t, 2, m.SuccessfulWorkers)
	assert.False(t, m.Partial)
	require.Len(t, m.Workers, 2)
	assert.Equal(t, int64(300), m.Workers[0].SampleCount)
	require.NotNil(t, m.Workers[0].Completion)
	assert.Equal(t, int64(300), m.Workers[0].Completion.Iterations)
	assert.NotNil(t, m.Workers[0].StartedAt)
	assert.NotNil(t, m.Workers[0].EndedAt)

	// both orchestrator outputs were uploaded
	for _, name := range []string{"aggregated_summary.json", "manifest.json"} {
		ok, err := store.Exists(context.Background(), p.BlobNamespace, blob.ObjectName(p.RunID, name))
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
}

func TestAggregate_MissingSummaryMarksPartial(t *testing.T) {
	p := testPlan()
	store := blob.NewMemoryStore()
	putWorkerSummary(t, store, p, 0, workerStream(0, 150, 100))
	// worker 1 succeeded but its blob never appeared

	a := New(store, zap.NewNop(), nil)
	summary, err := a.Aggregate(context.Background(), p, succeededHandles(2))
	require.NoError(t, err)

	assert.Equal(t, int64(150), summary.Metrics["http_req_duration"].Count)
	assert.True(t, summary.Manifest.Workers[1].SummaryMissing)
}

func TestAggregate_FailedWorkerContributesPartialData(t *testing.T) {
	p := testPlan()
	store := blob.NewMemoryStore()
	putWorkerSummary(t, store, p, 0, workerStream(0, 150, 100))
	putWorkerSummary(t, store, p, 1, workerStream(1, 40, 100)) // died early

	exit := int32(1)
	zero := int32(0)
	handles := []manager.Handle{
		{WorkerIndex: 0, State: manager.StateSucceeded, ExitCode: &zero},
		{WorkerIndex: 1, State: manager.StateFailed, ExitCode: &exit},
	}

	a := New(store, zap.NewNop(), nil)
	summary, err := a.Aggregate(context.Background(), p, handles)
	require.NoError(t, err)

	assert.Equal(t, int64(190), summary.Metrics["http_req_duration"].Count)
	assert.Equal(t, 1, summary.Manifest.SuccessfulWorkers)
	assert.True(t, summary.Manifest.Partial)
}

func TestAggregate_SkipsNonDataWorkers(t *testing.T) {
	p := testPlan()
	store := blob.NewMemoryStore()

	handles := []manager.Handle{
		{WorkerIndex: 0, State: manager.StateFailedToStart},
		{WorkerIndex: 1, State: manager.StateCancelled},
	}

	a := New(store, zap.NewNop(), nil)
	summary, err := a.Aggregate(context.Background(), p, handles)
	require.NoError(t, err)

	assert.Empty(t, summary.Metrics)
	assert.Equal(t, 0, summary.Manifest.SuccessfulWorkers)
	assert.True(t, summary.Manifest.Partial)
	assert.Empty(t, summary.Manifest.Workers[0].SummaryBlob)
}

func TestAggregate_MalformedLinesCountedNotFatal(t *testing.T) {
	p := testPlan()
	store := blob.NewMemoryStore()
	body := `{"kind":"Point","metric":"http_req_duration","data":{"time":"2025-06-01T12:00:00Z","value":100}}
this is not json
{"kind":"Point","metric":"http_req_duration","data":{"time":"2025-06-01T12:00:01Z","value":200}}
{"kind":"Point"}
{"kind":"Mystery","metric":"x"}
`
	putWorkerSummary(t, store, p, 0, body)

	a := New(store, zap.NewNop(), nil)
	summary, err := a.Aggregate(context.Background(), p, succeededHandles(1))
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Metrics["http_req_duration"].Count)
	assert.Equal(t, 3, summary.MalformedLines)
}

func TestAggregate_GzippedStream(t *testing.T) {
	p := testPlan()
	store := blob.NewMemoryStore()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := io.WriteString(gz, workerStream(0, 50, 100))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	name := blob.ObjectName(p.RunID, "summary_0.json")
	require.NoError(t, store.Put(context.Background(), p.BlobNamespace, name, &buf))

	a := New(store, zap.NewNop(), nil)
	summary, err := a.Aggregate(context.Background(), p, succeededHandles(1))
	require.NoError(t, err)
	assert.Equal(t, int64(50), summary.Metrics["http_req_duration"].Count)
}

func TestAggregate_MergeOrderInsensitiveMoments(t *testing.T) {
	ctx := context.Background()

	build := func(split [2]int) *Summary {
		p := testPlan()
		store := blob.NewMemoryStore()
		putWorkerSummary(t, store, p, 0, workerStream(0, split[0], 100))
		putWorkerSummary(t, store, p, 1, workerStream(1, split[1], 100+float64(split[0])))
		a := New(store, zap.NewNop(), nil)
		s, err := a.Aggregate(ctx, p, succeededHandles(2))
		require.NoError(t, err)
		return s
	}

	// Same multiset of samples, split across workers differently.
	one := build([2]int{200, 100})
	two := build([2]int{100, 200})

	s1, s2 := one.Metrics["http_req_duration"], two.Metrics["http_req_duration"]
	assert.Equal(t, s1.Count, s2.Count)
	assert.InDelta(t, s1.Sum, s2.Sum, 1e-6)
	assert.Equal(t, s1.Min, s2.Min)
	assert.Equal(t, s1.Max, s2.Max)
	assert.InDelta(t, s1.Mean, s2.Mean, 1e-6)
	assert.InEpsilon(t, s1.Percentiles.P95, s2.Percentiles.P95, 0.01)
}

func TestAggregate_StoreUnreachable(t *testing.T) {
	p := testPlan()
	store := blob.NewMemoryStore()
	store.FailWith(fmt.Errorf("connection refused"))

	a := New(store, zap.NewNop(), nil)
	_, err := a.Aggregate(context.Background(), p, succeededHandles(2))
	assert.ErrorIs(t, err, ErrStoreUnreachable)
}

// putFailStore lets gets succeed but fails every put.
type putFailStore struct {
	blob.Store
}

func (s *putFailStore) Put(ctx context.Context, namespace, name string, data io.Reader) error {
	return &blob.StoreError{Op: "put", Namespace: namespace, Name: name, Err: fmt.Errorf("disk full")}
}

func TestAggregate_UploadFailureStillReturnsSummary(t *testing.T) {
	p := testPlan()
	inner := blob.NewMemoryStore()
	putWorkerSummary(t, inner, p, 0, workerStream(0, 10, 100))

	a := New(&putFailStore{Store: inner}, zap.NewNop(), nil)
	summary, err := a.Aggregate(context.Background(), p, succeededHandles(1))

	require.ErrorIs(t, err, ErrUpload)
	require.NotNil(t, summary)
	assert.Equal(t, int64(10), summary.Metrics["http_req_duration"].Count)
}

func TestSummary_RoundTripsThroughStore(t *testing.T) {
	p := testPlan()
	store := blob.NewMemoryStore()
	putWorkerSummary(t, store, p, 0, workerStream(0, 25, 100))

	a := New(store, zap.NewNop(), nil)
	summary, err := a.Aggregate(context.Background(), p, succeededHandles(1))
	require.NoError(t, err)

	rc, err := store.Get(context.Background(), p.BlobNamespace, blob.ObjectName(p.RunID, "aggregated_summary.json"))
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	var reloaded Summary
	require.NoError(t, json.NewDecoder(rc).Decode(&reloaded))
	assert.Equal(t, *summary, reloaded)
}
