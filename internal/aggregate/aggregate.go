// Package aggregate merges per-worker result streams into one canonical
// summary. Samples are consumed streaming; memory stays bounded by the
// per-metric reservoirs no matter how long the run was.
package aggregate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/cole20444/load-opt-agent/internal/blob"
	"github.com/cole20444/load-opt-agent/internal/manager"
	"github.com/cole20444/load-opt-agent/internal/plan"
	"github.com/cole20444/load-opt-agent/internal/stats"
	"github.com/cole20444/load-opt-agent/internal/telemetry"
)

// ErrStoreUnreachable reports that no worker summary could be fetched for
// infrastructure reasons; partial data is a normal condition, this is not.
var ErrStoreUnreachable = errors.New("blob store unreachable")

// ErrUpload reports that the canonical summary could not be written back.
// The in-memory summary is still valid when this is returned.
var ErrUpload = errors.New("aggregated summary upload failed")

// Record is one line of a worker's NDJSON result stream.
type Record struct {
	Kind   string     `json:"kind"`
	Metric string     `json:"metric,omitempty"`
	Type   string     `json:"type,omitempty"`
	Data   *PointData `json:"data,omitempty"`

	// Completion trailer fields.
	WorkerIndex int   `json:"worker_index,omitempty"`
	VUsUsed     int   `json:"vus_used,omitempty"`
	Iterations  int64 `json:"iterations,omitempty"`
	WallClockMS int64 `json:"wall_clock_ms,omitempty"`
	ExitCode    int   `json:"exit_code,omitempty"`
}

// PointData is the payload of a kind=Point record.
type PointData struct {
	Time  time.Time         `json:"time"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// Completion is the parsed trailer of one worker stream.
type Completion struct {
	VUsUsed     int   `json:"vus_used"`
	Iterations  int64 `json:"iterations"`
	WallClockMS int64 `json:"wall_clock_ms"`
	ExitCode    int   `json:"exit_code"`
}

// WorkerRecord is one worker's entry in the run manifest.
type WorkerRecord struct {
	Index          int         `json:"index"`
	Status         string      `json:"status"`
	SummaryBlob    string      `json:"summary_blob"`
	SummaryMissing bool        `json:"summary_missing,omitempty"`
	SizeBytes      int64       `json:"size_bytes"`
	SampleCount    int64       `json:"sample_count"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
	Completion     *Completion `json:"completion,omitempty"`
}

// Manifest describes where the canonical summary came from.
type Manifest struct {
	Workers           []WorkerRecord `json:"workers"`
	Partial           bool           `json:"partial"`
	SuccessfulWorkers int            `json:"successful_workers"`
	WorkerCount       int            `json:"worker_count"`
}

// Summary is the canonical cross-worker metric snapshot.
type Summary struct {
	RunID          string                       `json:"run_id"`
	TestKind       plan.TestKind                `json:"test_kind"`
	Metrics        map[string]stats.SeriesStats `json:"metrics"`
	MetricTypes    map[string]string            `json:"metric_types,omitempty"`
	MalformedLines int                          `json:"malformed_lines"`
	Manifest       *Manifest                    `json:"manifest"`
}

// Aggregator pulls worker summaries from the store and merges them.
type Aggregator struct {
	store         blob.Store
	logger        *zap.Logger
	metrics       *telemetry.Metrics
	reservoirSize int
}

// New creates an aggregator. metrics may be nil.
func New(store blob.Store, logger *zap.Logger, metrics *telemetry.Metrics) *Aggregator {
	return &Aggregator{
		store:         store,
		logger:        logger,
		metrics:       metrics,
		reservoirSize: stats.DefaultReservoirSize,
	}
}

// Aggregate merges the result streams of every worker that may have
// produced data (succeeded or failed), uploads the canonical summary and
// manifest, and returns the summary.
//
// Missing worker summaries are normal and only mark the run partial. The
// error is non-nil in two cases: every fetch failed on store errors
// (ErrStoreUnreachable, no summary returned), or the final upload failed
// (ErrUpload, summary still returned for in-process use).
func (a *Aggregator) Aggregate(ctx context.Context, p *plan.RunPlan, handles []manager.Handle) (*Summary, error) {
	accs := make(map[string]*stats.Accumulator)
	metricTypes := make(map[string]string)

	summary := &Summary{
		RunID:    p.RunID,
		TestKind: p.TestKind,
		Metrics:  make(map[string]stats.SeriesStats),
	}
	manifest := &Manifest{WorkerCount: len(handles)}
	summary.Manifest = manifest

	attempted, storeFailures := 0, 0

	// Ascending worker index for deterministic merge output.
	for _, h := range handles {
		rec := WorkerRecord{
			Index:  h.WorkerIndex,
			Status: string(h.State),
		}
		if h.State == manager.StateSucceeded {
			manifest.SuccessfulWorkers++
		}

		if h.State == manager.StateSucceeded || h.State == manager.StateFailed {
			name := blob.ObjectName(p.RunID, fmt.Sprintf("summary_%d.json", h.WorkerIndex))
			rec.SummaryBlob = name
			attempted++

			rc, err := a.store.Get(ctx, p.BlobNamespace, name)
			a.metrics.CountBlobOp("get", err)
			switch {
			case errors.Is(err, blob.ErrNotFound):
				rec.SummaryMissing = true
				a.logger.Warn("worker summary missing",
					zap.Int("worker", h.WorkerIndex),
					zap.String("blob", name))
			case err != nil:
				storeFailures++
				rec.SummaryMissing = true
				a.logger.Error("worker summary fetch failed",
					zap.Int("worker", h.WorkerIndex),
					zap.Error(err))
			default:
				if err := a.consumeStream(rc, &rec, accs, metricTypes, summary); err != nil {
					a.logger.Warn("worker stream truncated",
						zap.Int("worker", h.WorkerIndex),
						zap.Error(err))
				}
				_ = rc.Close()
			}
		}

		manifest.Workers = append(manifest.Workers, rec)
	}

	if attempted > 0 && storeFailures == attempted {
		return nil, fmt.Errorf("%w: all %d summary fetches failed", ErrStoreUnreachable, attempted)
	}

	for name, acc := range accs {
		summary.Metrics[name] = acc.Snapshot()
	}
	summary.MetricTypes = metricTypes
	manifest.Partial = manifest.SuccessfulWorkers < manifest.WorkerCount

	if err := a.upload(ctx, p, summary, manifest); err != nil {
		return summary, err
	}
	return summary, nil
}

// consumeStream parses one worker's NDJSON stream. Malformed lines are
// counted and skipped, never fatal.
func (a *Aggregator) consumeStream(r io.Reader, rec *WorkerRecord, accs map[string]*stats.Accumulator, metricTypes map[string]string, summary *Summary) error {
	br := bufio.NewReaderSize(r, 64*1024)

	// Worker summaries may be gzip-compressed (k6 does this when the
	// output file name carries a .gz suffix); sniff the magic bytes.
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		return a.scanLines(gz, rec, accs, metricTypes, summary)
	}
	return a.scanLines(br, rec, accs, metricTypes, summary)
}

func (a *Aggregator) scanLines(r io.Reader, rec *WorkerRecord, accs map[string]*stats.Accumulator, metricTypes map[string]string, summary *Summary) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec.SizeBytes += int64(len(line)) + 1

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			summary.MalformedLines++
			continue
		}

		switch record.Kind {
		case "Point":
			if record.Metric == "" || record.Data == nil {
				summary.MalformedLines++
				continue
			}
			acc, ok := accs[record.Metric]
			if !ok {
				acc = stats.NewAccumulator(a.reservoirSize)
				accs[record.Metric] = acc
			}
			acc.Add(record.Data.Value)
			rec.SampleCount++

			if !record.Data.Time.IsZero() {
				ts := record.Data.Time
				if rec.StartedAt == nil || ts.Before(*rec.StartedAt) {
					rec.StartedAt = &ts
				}
				if rec.EndedAt == nil || ts.After(*rec.EndedAt) {
					rec.EndedAt = &ts
				}
			}
		case "Metric":
			if record.Metric != "" {
				metricTypes[record.Metric] = record.Type
			}
		case "Completion":
			rec.Completion = &Completion{
				VUsUsed:     record.VUsUsed,
				Iterations:  record.Iterations,
				WallClockMS: record.WallClockMS,
				ExitCode:    record.ExitCode,
			}
		default:
			summary.MalformedLines++
		}
	}
	return scanner.Err()
}

func (a *Aggregator) upload(ctx context.Context, p *plan.RunPlan, summary *Summary, manifest *Manifest) error {
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}

	name := blob.ObjectName(p.RunID, "aggregated_summary.json")
	err = a.store.Put(ctx, p.BlobNamespace, name, bytes.NewReader(summaryJSON))
	a.metrics.CountBlobOp("put", err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}

	name = blob.ObjectName(p.RunID, "manifest.json")
	err = a.store.Put(ctx, p.BlobNamespace, name, bytes.NewReader(manifestJSON))
	a.metrics.CountBlobOp("put", err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}

	a.logger.Info("uploaded canonical summary",
		zap.String("run_id", p.RunID),
		zap.Int("workers", manifest.WorkerCount),
		zap.Int("successful", manifest.SuccessfulWorkers))
	return nil
}
