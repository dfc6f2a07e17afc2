// Package analyze turns a canonical summary into a graded performance
// report with ranked findings. The analysis is a pure function of its
// inputs: the same summary and context always produce a byte-identical
// report.
package analyze

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cole20444/load-opt-agent/internal/aggregate"
	"github.com/cole20444/load-opt-agent/internal/plan"
)

// Context carries the run facts the grading rules need.
type Context struct {
	TestKind          plan.TestKind `json:"test_kind"`
	TargetURL         string        `json:"target_url"`
	DurationS         float64       `json:"duration_s"`
	TotalVUs          int           `json:"total_vus"`
	WorkerCount       int           `json:"worker_count"`
	SuccessfulWorkers int           `json:"successful_workers"`
	Cancelled         bool          `json:"cancelled,omitempty"`
	DeadlineExceeded  bool          `json:"deadline_exceeded,omitempty"`
}

// Severity ranks a finding.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

// Finding is one observation derived from the summary statistics.
type Finding struct {
	Severity          Severity           `json:"severity"`
	Category          string             `json:"category"`
	Title             string             `json:"title"`
	Detail            string             `json:"detail"`
	SupportingMetrics map[string]float64 `json:"supporting_metrics,omitempty"`
	RecommendedAction string             `json:"recommended_action"`
}

// PhaseTiming is one row of the request-phase breakdown.
type PhaseTiming struct {
	Metric string  `json:"metric"`
	Label  string  `json:"label"`
	MeanMS float64 `json:"mean_ms"`
	P95MS  float64 `json:"p95_ms"`
}

// ResourceBreakdown summarizes transfer volume and worker utilization.
type ResourceBreakdown struct {
	DataSentBytes     float64 `json:"data_sent_bytes"`
	DataReceivedBytes float64 `json:"data_received_bytes"`
	Iterations        int64   `json:"iterations"`
	PeakVUs           float64 `json:"peak_vus"`
	RequestsPerSec    float64 `json:"requests_per_sec"`
}

// Report is the graded analysis of one run.
type Report struct {
	Grade             string             `json:"grade"`
	Score             int                `json:"score"`
	Summary           *aggregate.Summary `json:"canonical_summary"`
	Findings          []Finding          `json:"findings"`
	TimingsBreakdown  []PhaseTiming      `json:"timings_breakdown"`
	ResourceBreakdown ResourceBreakdown  `json:"resource_breakdown"`
}

// recommendations is the static action catalogue, keyed by category.
var recommendations = map[string]string{
	"latency":               "Profile slow endpoints and add caching or connection pooling for the hottest paths.",
	"error_rate":            "Inspect server logs for the failing status codes and add capacity or fix the failing handlers before re-testing.",
	"throughput":            "Check for server-side bottlenecks or rate limiting; the target served far fewer requests than the configured load should drive.",
	"server_processing":     "Time to first byte is dominated by server work; profile database queries and backend calls on the hot path.",
	"payload_size":          "Responses are large; enable compression, trim payloads, or paginate list endpoints.",
	"core_web_vitals":       "Optimize the critical rendering path: compress images, defer non-critical scripts, and reserve layout space for late-loading content.",
	"worker_dropout":        "Some workers did not finish; results understate the configured load. Check worker logs and provider quotas.",
	"no_samples":            "The run produced no samples; verify the worker image, target reachability, and the test script.",
	"no_successful_workers": "No worker completed; inspect worker logs and provider events before trusting any result.",
	"cancelled":             "The run was cancelled before completion; results cover only the time before cancellation.",
	"deadline_exceeded":     "The run overran its hard deadline and was stopped; consider a shorter duration or fewer virtual users per worker.",
}

func recommendFor(category string) string {
	if r, ok := recommendations[category]; ok {
		return r
	}
	return "Review the supporting metrics for this finding."
}

// deduction is one applied grading rule.
type deduction struct {
	points  int
	finding Finding
}

func newDeduction(points int, category, title, detail string, metrics map[string]float64) deduction {
	sev := SeverityLow
	switch {
	case points >= 20:
		sev = SeverityHigh
	case points >= 10:
		sev = SeverityMedium
	}
	return deduction{
		points: points,
		finding: Finding{
			Severity:          sev,
			Category:          category,
			Title:             title,
			Detail:            detail,
			SupportingMetrics: metrics,
			RecommendedAction: recommendFor(category),
		},
	}
}

// Analyze grades the summary and produces the report.
func Analyze(summary *aggregate.Summary, ctx Context) *Report {
	report := &Report{
		Summary:           summary,
		TimingsBreakdown:  timingsBreakdown(summary),
		ResourceBreakdown: resourceBreakdown(summary, ctx),
		Findings:          []Finding{},
	}

	sampleCount := totalSamples(summary)

	var deductions []deduction
	switch ctx.TestKind {
	case plan.TestKindBrowser:
		deductions = browserDeductions(summary)
	default:
		deductions = protocolDeductions(summary, ctx)
	}

	score := 100
	for _, d := range deductions {
		score -= d.points
	}
	if score < 0 {
		score = 0
	}

	switch {
	case ctx.Cancelled || ctx.DeadlineExceeded:
		// A cancelled run reports only what stopped it.
		if ctx.DeadlineExceeded {
			report.Findings = append(report.Findings, Finding{
				Severity:          SeverityHigh,
				Category:          "deadline_exceeded",
				Title:             "Run exceeded its hard deadline",
				Detail:            "The orchestrator stopped the run at the hard deadline and treated the remainder as cancelled.",
				RecommendedAction: recommendFor("deadline_exceeded"),
			})
		}
		report.Findings = append(report.Findings, Finding{
			Severity:          SeverityMedium,
			Category:          "cancelled",
			Title:             "Run was cancelled",
			Detail:            "Workers were stopped before completing their configured duration.",
			RecommendedAction: recommendFor("cancelled"),
		})
		if sampleCount == 0 {
			score = 0
		}
	case ctx.WorkerCount > 0 && ctx.SuccessfulWorkers == 0:
		score = 0
		report.Findings = append(report.Findings, Finding{
			Severity: SeverityHigh,
			Category: "no_successful_workers",
			Title:    "No worker completed successfully",
			Detail:   fmt.Sprintf("0 of %d workers succeeded; the summary carries no trustworthy data.", ctx.WorkerCount),
			SupportingMetrics: map[string]float64{
				"worker_count":       float64(ctx.WorkerCount),
				"successful_workers": 0,
			},
			RecommendedAction: recommendFor("no_successful_workers"),
		})
	case sampleCount == 0:
		score = 0
		report.Findings = append(report.Findings, Finding{
			Severity:          SeverityHigh,
			Category:          "no_samples",
			Title:             "Run produced no samples",
			Detail:            "Workers finished without emitting any timing samples.",
			RecommendedAction: recommendFor("no_samples"),
		})
	default:
		for _, d := range deductions {
			report.Findings = append(report.Findings, d.finding)
		}
		if ctx.SuccessfulWorkers > 0 && ctx.SuccessfulWorkers < ctx.WorkerCount {
			dropped := ctx.WorkerCount - ctx.SuccessfulWorkers
			report.Findings = append(report.Findings, Finding{
				Severity: SeverityMedium,
				Category: "worker_dropout",
				Title:    "Some workers did not finish",
				Detail: fmt.Sprintf("%d of %d workers dropped out; aggregated results cover %d workers.",
					dropped, ctx.WorkerCount, ctx.SuccessfulWorkers),
				SupportingMetrics: map[string]float64{
					"worker_count":       float64(ctx.WorkerCount),
					"successful_workers": float64(ctx.SuccessfulWorkers),
				},
				RecommendedAction: recommendFor("worker_dropout"),
			})
		}
	}

	report.Score = score
	report.Grade = gradeFor(score)

	sort.SliceStable(report.Findings, func(i, j int) bool {
		a, b := report.Findings[i], report.Findings[j]
		if severityRank(a.Severity) != severityRank(b.Severity) {
			return severityRank(a.Severity) < severityRank(b.Severity)
		}
		return a.Category < b.Category
	})

	return report
}

func protocolDeductions(summary *aggregate.Summary, ctx Context) []deduction {
	var out []deduction
	m := summary.Metrics

	if dur, ok := m["http_req_duration"]; ok && dur.Count > 0 {
		p95 := dur.Percentiles.P95
		switch {
		case p95 > 5000:
			out = append(out, newDeduction(35, "latency",
				"Very slow requests at the 95th percentile",
				fmt.Sprintf("p95 request duration is %.0fms, above the 5000ms band.", p95),
				map[string]float64{"http_req_duration_p95_ms": p95}))
		case p95 > 2000:
			out = append(out, newDeduction(20, "latency",
				"Slow requests at the 95th percentile",
				fmt.Sprintf("p95 request duration is %.0fms, above the 2000ms band.", p95),
				map[string]float64{"http_req_duration_p95_ms": p95}))
		}
	}

	if failed, ok := m["http_req_failed"]; ok && failed.Count > 0 {
		rate := failed.Mean
		switch {
		case rate > 0.10:
			out = append(out, newDeduction(40, "error_rate",
				"Very high request failure rate",
				fmt.Sprintf("%.1f%% of requests failed.", rate*100),
				map[string]float64{"http_req_failed_rate": rate}))
		case rate > 0.05:
			out = append(out, newDeduction(25, "error_rate",
				"High request failure rate",
				fmt.Sprintf("%.1f%% of requests failed.", rate*100),
				map[string]float64{"http_req_failed_rate": rate}))
		case rate > 0.01:
			out = append(out, newDeduction(10, "error_rate",
				"Elevated request failure rate",
				fmt.Sprintf("%.1f%% of requests failed.", rate*100),
				map[string]float64{"http_req_failed_rate": rate}))
		}
	}

	if reqs, ok := m["http_reqs"]; ok && ctx.DurationS > 0 {
		rps := float64(reqs.Count) / ctx.DurationS
		if rps < 10 && ctx.TotalVUs >= 25 {
			out = append(out, newDeduction(15, "throughput",
				"Throughput far below configured load",
				fmt.Sprintf("%.1f requests/s from %d virtual users.", rps, ctx.TotalVUs),
				map[string]float64{"requests_per_sec": rps, "total_vus": float64(ctx.TotalVUs)}))
		}
	}

	if waiting, ok := m["http_req_waiting"]; ok && waiting.Count > 0 && waiting.Mean > 400 {
		out = append(out, newDeduction(10, "server_processing",
			"Server processing dominates request time",
			fmt.Sprintf("Mean time to first byte is %.0fms.", waiting.Mean),
			map[string]float64{"http_req_waiting_mean_ms": waiting.Mean}))
	}

	recv, hasRecv := m["data_received"]
	reqs, hasReqs := m["http_reqs"]
	if hasRecv && hasReqs && reqs.Count > 0 {
		perReq := recv.Sum / float64(reqs.Count)
		if perReq > 200*1024 {
			out = append(out, newDeduction(5, "payload_size",
				"Large average response payload",
				fmt.Sprintf("Average response is %.0f KiB.", perReq/1024),
				map[string]float64{"avg_response_bytes": perReq}))
		}
	}

	return out
}

func browserDeductions(summary *aggregate.Summary) []deduction {
	var out []deduction
	m := summary.Metrics

	if lcp, ok := m["largest_contentful_paint"]; ok && lcp.Count > 0 {
		p75 := lcp.Percentiles.P75
		switch {
		case p75 > 4000:
			out = append(out, newDeduction(35, "core_web_vitals",
				"Largest Contentful Paint far above target",
				fmt.Sprintf("LCP p75 is %.0fms; 2500ms is the good threshold.", p75),
				map[string]float64{"largest_contentful_paint_p75_ms": p75}))
		case p75 > 2500:
			out = append(out, newDeduction(20, "core_web_vitals",
				"Largest Contentful Paint above target",
				fmt.Sprintf("LCP p75 is %.0fms; 2500ms is the good threshold.", p75),
				map[string]float64{"largest_contentful_paint_p75_ms": p75}))
		}
	}

	if cls, ok := m["cumulative_layout_shift"]; ok && cls.Count > 0 {
		p75 := cls.Percentiles.P75
		switch {
		case p75 > 0.25:
			out = append(out, newDeduction(20, "core_web_vitals",
				"Severe layout shift",
				fmt.Sprintf("CLS p75 is %.2f; 0.1 is the good threshold.", p75),
				map[string]float64{"cumulative_layout_shift_p75": p75}))
		case p75 > 0.1:
			out = append(out, newDeduction(10, "core_web_vitals",
				"Noticeable layout shift",
				fmt.Sprintf("CLS p75 is %.2f; 0.1 is the good threshold.", p75),
				map[string]float64{"cumulative_layout_shift_p75": p75}))
		}
	}

	if fid, ok := m["first_input_delay"]; ok && fid.Count > 0 {
		p75 := fid.Percentiles.P75
		switch {
		case p75 > 300:
			out = append(out, newDeduction(20, "core_web_vitals",
				"First input delay far above target",
				fmt.Sprintf("FID p75 is %.0fms; 100ms is the good threshold.", p75),
				map[string]float64{"first_input_delay_p75_ms": p75}))
		case p75 > 100:
			out = append(out, newDeduction(10, "core_web_vitals",
				"First input delay above target",
				fmt.Sprintf("FID p75 is %.0fms; 100ms is the good threshold.", p75),
				map[string]float64{"first_input_delay_p75_ms": p75}))
		}
	}

	return out
}

// requestPhases is the fixed breakdown order for HTTP request anatomy.
var requestPhases = []struct{ metric, label string }{
	{"http_req_blocked", "Connection acquisition"},
	{"http_req_connecting", "TCP connect"},
	{"http_req_tls_handshaking", "TLS handshake"},
	{"http_req_sending", "Request send"},
	{"http_req_waiting", "Server processing"},
	{"http_req_receiving", "Response receive"},
}

func timingsBreakdown(summary *aggregate.Summary) []PhaseTiming {
	var out []PhaseTiming
	for _, phase := range requestPhases {
		s, ok := summary.Metrics[phase.metric]
		if !ok || s.Count == 0 {
			continue
		}
		out = append(out, PhaseTiming{
			Metric: phase.metric,
			Label:  phase.label,
			MeanMS: s.Mean,
			P95MS:  s.Percentiles.P95,
		})
	}
	return out
}

func resourceBreakdown(summary *aggregate.Summary, ctx Context) ResourceBreakdown {
	m := summary.Metrics
	out := ResourceBreakdown{}
	if s, ok := m["data_sent"]; ok {
		out.DataSentBytes = s.Sum
	}
	if s, ok := m["data_received"]; ok {
		out.DataReceivedBytes = s.Sum
	}
	if s, ok := m["iterations"]; ok {
		out.Iterations = int64(s.Sum)
	}
	if s, ok := m["vus"]; ok {
		out.PeakVUs = s.Max
	}
	if s, ok := m["http_reqs"]; ok && ctx.DurationS > 0 {
		out.RequestsPerSec = float64(s.Count) / ctx.DurationS
	}
	return out
}

// totalSamples counts observations across every series in the summary.
func totalSamples(summary *aggregate.Summary) int64 {
	var n int64
	for _, s := range summary.Metrics {
		n += s.Count
	}
	return n
}

func gradeFor(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// Marshal renders the report as stable, indented JSON. Map keys are
// emitted sorted, so equal reports marshal byte-identically.
func Marshal(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
