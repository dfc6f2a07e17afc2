// Package plan compiles a parsed test configuration into an immutable RunPlan.
package plan

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TestKind selects the worker engine.
type TestKind string

const (
	TestKindProtocol TestKind = "protocol" // HTTP-level load test
	TestKindBrowser  TestKind = "browser"  // real browser engine
)

// Resources describes the shape of a single worker container.
type Resources struct {
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu"`
	MemoryGiB float64 `json:"memory_gib" yaml:"memory"`
}

// RunPlan is the compiled, validated test plan. Immutable after Compile.
type RunPlan struct {
	RunID           string            `json:"run_id"`
	TargetURL       string            `json:"target_url"`
	TestKind        TestKind          `json:"test_kind"`
	TotalVUs        int               `json:"total_vus"`
	Duration        time.Duration     `json:"duration"`
	PerWorkerVUs    int               `json:"per_worker_vus"`
	WorkerResources Resources         `json:"worker_resources"`
	WorkerImageRef  string            `json:"worker_image_ref"`
	BlobNamespace   string            `json:"blob_namespace"`
	EnvOverrides    map[string]string `json:"env_overrides,omitempty"`
}

// Input is the already-parsed configuration record Compile consumes.
type Input struct {
	RunID         string // optional; generated when empty
	TargetURL     string
	TestKind      TestKind
	TotalVUs      int
	PerWorkerVUs  int
	Duration      string // e.g. "2m"
	Registry      string // registry host, used when ImageRef is empty
	ImageRef      string // explicit registry-qualified image, optional
	BlobNamespace string
	Resources     *Resources // nil means per-kind defaults
	EnvOverrides  map[string]string
}

// ValidationError reports every failing plan constraint at once.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Violations, "; "))
}

var durationRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseDuration parses the restricted duration grammar used by test plans
// (a positive integer followed by one of s, m, h, d).
func ParseDuration(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("duration %q: want <digits><s|m|h|d>", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("duration %q: must be positive", s)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, nil
}

// defaultResources mirrors the per-kind container shapes the worker images
// were sized for.
func defaultResources(kind TestKind) Resources {
	if kind == TestKindBrowser {
		return Resources{CPUCores: 2.0, MemoryGiB: 4.0}
	}
	return Resources{CPUCores: 1.0, MemoryGiB: 2.0}
}

// imageForKind resolves the worker image from the registry when the plan
// does not name one explicitly.
func imageForKind(registry string, kind TestKind) (string, error) {
	registry = strings.TrimSuffix(registry, "/")
	if registry == "" {
		return "", fmt.Errorf("registry required when worker image is not set")
	}
	switch kind {
	case TestKindProtocol:
		return registry + "/k6-worker:latest", nil
	case TestKindBrowser:
		return registry + "/k6-playwright-worker:latest", nil
	}
	return "", fmt.Errorf("unknown test kind %q", kind)
}

// Compile validates in and produces a RunPlan. It performs no I/O. On
// failure it returns a *ValidationError enumerating every violated
// constraint.
func Compile(in Input) (*RunPlan, error) {
	var violations []string

	u, err := url.Parse(in.TargetURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		violations = append(violations, fmt.Sprintf("target_url %q: must be a well-formed http(s) URL", in.TargetURL))
	}

	kindValid := in.TestKind == TestKindProtocol || in.TestKind == TestKindBrowser
	if !kindValid {
		violations = append(violations, fmt.Sprintf("test_kind %q: must be protocol or browser", in.TestKind))
	}

	if in.TotalVUs < 1 {
		violations = append(violations, fmt.Sprintf("total_vus %d: must be >= 1", in.TotalVUs))
	}
	if in.PerWorkerVUs < 1 {
		violations = append(violations, fmt.Sprintf("per_worker_vus %d: must be >= 1", in.PerWorkerVUs))
	}

	dur, err := ParseDuration(in.Duration)
	if err != nil {
		violations = append(violations, err.Error())
	}

	if in.BlobNamespace == "" {
		violations = append(violations, "blob_namespace: required")
	}

	image := in.ImageRef
	if image == "" && kindValid {
		image, err = imageForKind(in.Registry, in.TestKind)
		if err != nil {
			violations = append(violations, err.Error())
		}
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	res := defaultResources(in.TestKind)
	if in.Resources != nil {
		res = *in.Resources
	}

	env := make(map[string]string, len(in.EnvOverrides))
	for k, v := range in.EnvOverrides {
		env[k] = v
	}

	runID := in.RunID
	if runID == "" {
		runID = NewRunID()
	}

	return &RunPlan{
		RunID:           runID,
		TargetURL:       in.TargetURL,
		TestKind:        in.TestKind,
		TotalVUs:        in.TotalVUs,
		Duration:        dur,
		PerWorkerVUs:    in.PerWorkerVUs,
		WorkerResources: res,
		WorkerImageRef:  image,
		BlobNamespace:   in.BlobNamespace,
		EnvOverrides:    env,
	}, nil
}

// NewRunID returns a URL-safe identifier unique within a blob namespace:
// a UTC timestamp plus a short random suffix.
func NewRunID() string {
	ts := time.Now().UTC().Format("20060102-150405")
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("run-%s-%s", ts, suffix)
}

// DurationString renders the plan duration back in the restricted grammar
// workers expect in their DURATION env var.
func (p *RunPlan) DurationString() string {
	d := p.Duration
	switch {
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}
