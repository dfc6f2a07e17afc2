// Package manager drives worker container groups through their lifecycle:
// provisioning, completion detection, teardown. One goroutine per worker;
// a bounded gate limits in-flight create calls.
package manager

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cole20444/load-opt-agent/internal/blob"
	"github.com/cole20444/load-opt-agent/internal/distribute"
	"github.com/cole20444/load-opt-agent/internal/provider"
	"github.com/cole20444/load-opt-agent/internal/telemetry"
)

// WorkerState is a worker's position in the lifecycle state machine.
type WorkerState string

const (
	StatePending       WorkerState = "pending"
	StateProvisioning  WorkerState = "provisioning"
	StateRunning       WorkerState = "running"
	StateSucceeded     WorkerState = "succeeded"
	StateFailed        WorkerState = "failed"
	StateFailedToStart WorkerState = "failed_to_start"
	StateCancelled     WorkerState = "cancelled"
)

// Terminal reports whether no further transitions can occur.
func (s WorkerState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateFailedToStart, StateCancelled:
		return true
	}
	return false
}

// Handle tracks one provisioned worker group.
type Handle struct {
	WorkerIndex    int         `json:"worker_index"`
	ProviderID     string      `json:"provider_id,omitempty"`
	State          WorkerState `json:"state"`
	CreatedAt      time.Time   `json:"created_at,omitempty"`
	LastObservedAt time.Time   `json:"last_observed_at,omitempty"`
	ExitCode       *int32      `json:"exit_code,omitempty"`
}

// Event is a terminal state notification, emitted in arrival order.
type Event struct {
	WorkerIndex int
	State       WorkerState
	At          time.Time
}

// Options tunes the manager's timeouts and concurrency.
type Options struct {
	ProvisionTimeout  time.Duration // default 5m
	CompletionTimeout time.Duration // default 3*duration + 10m, from Run's plan
	TeardownGrace     time.Duration // default 60s
	CallTimeout       time.Duration // per provider/blob call, default 30s
	CreateGate        int           // max in-flight creates, default 32
	PollInitial       time.Duration // default 5s
	PollMax           time.Duration // default 30s
	RetryDelay        time.Duration // base backoff for create/delete retries, default 2s
	OnEvent           func(Event)   // optional terminal-event sink
}

func (o *Options) withDefaults(duration time.Duration) Options {
	out := *o
	if out.ProvisionTimeout <= 0 {
		out.ProvisionTimeout = 5 * time.Minute
	}
	if out.CompletionTimeout <= 0 {
		out.CompletionTimeout = 3*duration + 10*time.Minute
	}
	if out.TeardownGrace <= 0 {
		out.TeardownGrace = 60 * time.Second
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 30 * time.Second
	}
	if out.CreateGate <= 0 {
		out.CreateGate = 32
	}
	if out.PollInitial <= 0 {
		out.PollInitial = 5 * time.Second
	}
	if out.PollMax <= 0 {
		out.PollMax = 30 * time.Second
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 2 * time.Second
	}
	return out
}

// Manager owns the worker handle table for one run.
type Manager struct {
	provider provider.Provider
	store    blob.Store
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	opts     Options

	mu      sync.Mutex
	handles map[int]*Handle
}

// New creates a manager. metrics may be nil.
func New(p provider.Provider, store blob.Store, logger *zap.Logger, metrics *telemetry.Metrics, opts Options) *Manager {
	return &Manager{
		provider: p,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
		handles:  make(map[int]*Handle),
	}
}

// GroupName is the provider-side name for one worker group. Every group of
// a run shares the run id prefix, which is what cleanup sweeps on.
func GroupName(runID string, workerIndex int) string {
	return fmt.Sprintf("%s-worker-%d", runID, workerIndex)
}

// Run drives every assignment to a terminal state and tears all groups
// down before returning. The returned handles are sorted by worker index
// and all terminal; per-worker failures are expressed there, not as an
// error.
func (m *Manager) Run(ctx context.Context, assignments []distribute.Assignment) []Handle {
	if len(assignments) == 0 {
		return nil
	}
	opts := m.opts.withDefaults(assignments[0].Plan.Duration)

	gate := make(chan struct{}, opts.CreateGate)
	var wg sync.WaitGroup
	for _, a := range assignments {
		m.setHandle(&Handle{WorkerIndex: a.WorkerIndex, State: StatePending})
		wg.Add(1)
		go func(a distribute.Assignment) {
			defer wg.Done()
			m.runWorker(ctx, a, gate, opts)
		}(a)
	}
	wg.Wait()

	m.teardown(ctx, assignments[0].Plan.RunID, opts)

	return m.Handles()
}

// Handles returns a snapshot of the handle table sorted by worker index.
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerIndex < out[j].WorkerIndex })
	return out
}

func (m *Manager) setHandle(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[h.WorkerIndex] = h
}

// transition serializes state changes per worker and emits terminal
// events in arrival order.
func (m *Manager) transition(index int, state WorkerState, exitCode *int32) {
	m.mu.Lock()
	h := m.handles[index]
	if h.State.Terminal() {
		m.mu.Unlock()
		return
	}
	h.State = state
	h.LastObservedAt = time.Now()
	if exitCode != nil {
		h.ExitCode = exitCode
	}
	onEvent := m.opts.OnEvent
	m.mu.Unlock()

	if state.Terminal() {
		m.metrics.CountTerminal(string(state))
		m.logger.Info("worker terminal",
			zap.Int("worker", index),
			zap.String("state", string(state)))
		if onEvent != nil {
			onEvent(Event{WorkerIndex: index, State: state, At: time.Now()})
		}
	}
}

func (m *Manager) runWorker(ctx context.Context, a distribute.Assignment, gate chan struct{}, opts Options) {
	p := a.Plan
	groupName := GroupName(p.RunID, a.WorkerIndex)

	// Bounded create gate; cancellation while queued means the worker
	// never provisions.
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		m.transition(a.WorkerIndex, StateCancelled, nil)
		return
	}

	providerID, err := m.createGroup(ctx, a, groupName, opts)
	<-gate
	if err != nil {
		if ctx.Err() != nil {
			m.transition(a.WorkerIndex, StateCancelled, nil)
			return
		}
		m.logger.Error("worker failed to start",
			zap.Int("worker", a.WorkerIndex),
			zap.Error(err))
		m.transition(a.WorkerIndex, StateFailedToStart, nil)
		return
	}

	m.mu.Lock()
	h := m.handles[a.WorkerIndex]
	h.ProviderID = providerID
	h.CreatedAt = time.Now()
	m.mu.Unlock()
	m.transition(a.WorkerIndex, StateProvisioning, nil)

	m.monitorWorker(ctx, a, providerID, opts)

	if st := m.stateOf(a.WorkerIndex); st == StateFailed || st == StateFailedToStart {
		m.uploadWorkerLogs(ctx, p.BlobNamespace, p.RunID, a.WorkerIndex, providerID, opts)
	}
}

func (m *Manager) stateOf(index int) WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[index].State
}

func (m *Manager) createGroup(ctx context.Context, a distribute.Assignment, groupName string, opts Options) (string, error) {
	spec := provider.Spec{
		GroupName: groupName,
		Image:     a.Plan.WorkerImageRef,
		Env:       distribute.WorkerEnv(a),
		CPUCores:  a.Plan.WorkerResources.CPUCores,
		MemoryGiB: a.Plan.WorkerResources.MemoryGiB,
	}

	policy := provider.NewRetryPolicy(
		provider.WithMaxAttempts(4), // first try plus 3 retries at 2/4/8s
		provider.WithInitialDelay(opts.RetryDelay),
		provider.WithLogger(m.logger),
	)
	var providerID string
	attempt := 0
	err := policy.Execute(ctx, func() error {
		if attempt++; attempt > 1 {
			m.metrics.CountRetry()
		}
		callCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
		defer cancel()
		id, err := m.provider.Create(callCtx, spec)
		m.metrics.CountProviderCall("create", err)
		if err != nil {
			return err
		}
		providerID = id
		return nil
	})
	return providerID, err
}

// monitorWorker polls the completion marker and the provider, preferring
// the marker, until the worker is terminal or a timeout trips.
func (m *Manager) monitorWorker(ctx context.Context, a distribute.Assignment, providerID string, opts Options) {
	p := a.Plan
	provisionDeadline := time.Now().Add(opts.ProvisionTimeout)
	var completionDeadline time.Time

	interval := opts.PollInitial
	for {
		if ctx.Err() != nil {
			m.transition(a.WorkerIndex, StateCancelled, nil)
			return
		}

		completed := m.completionSeen(ctx, p.BlobNamespace, p.RunID, a.WorkerIndex, opts)
		status := m.pollStatus(ctx, providerID, opts)
		if ctx.Err() != nil {
			m.transition(a.WorkerIndex, StateCancelled, nil)
			return
		}

		switch m.stateOf(a.WorkerIndex) {
		case StateProvisioning:
			switch {
			case status.State == provider.StateRunning:
				m.transition(a.WorkerIndex, StateRunning, nil)
				completionDeadline = time.Now().Add(opts.CompletionTimeout)
				interval = opts.PollInitial
				continue
			case status.State == provider.StateTerminated:
				// Short-lived worker: terminal before running was observed.
				m.transition(a.WorkerIndex, StateRunning, nil)
				completionDeadline = time.Now().Add(opts.CompletionTimeout)
				continue
			case time.Now().After(provisionDeadline):
				m.transition(a.WorkerIndex, StateFailedToStart, nil)
				return
			}
		case StateRunning:
			if status.State == provider.StateTerminated {
				exit := status.ExitCode
				if exit != nil && *exit != 0 {
					m.transition(a.WorkerIndex, StateFailed, exit)
					return
				}
				if completed && exit != nil {
					m.transition(a.WorkerIndex, StateSucceeded, exit)
					return
				}
				// Exit 0 but marker not visible yet: keep waiting for the
				// blob inside the completion window.
			}
			if time.Now().After(completionDeadline) {
				m.transition(a.WorkerIndex, StateFailed, nil)
				return
			}
		default:
			return
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			m.transition(a.WorkerIndex, StateCancelled, nil)
			return
		}
		if interval *= 2; interval > opts.PollMax {
			interval = opts.PollMax
		}
	}
}

// completionSeen checks the worker's completion marker, falling back to
// the summary object for workers that crashed between writes.
func (m *Manager) completionSeen(ctx context.Context, namespace, runID string, index int, opts Options) bool {
	for _, name := range []string{
		fmt.Sprintf("completion_%d.txt", index),
		fmt.Sprintf("summary_%d.json", index),
	} {
		callCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
		ok, err := m.store.Exists(callCtx, namespace, blob.ObjectName(runID, name))
		cancel()
		m.metrics.CountBlobOp("exists", err)
		if err == nil && ok {
			return true
		}
	}
	return false
}

func (m *Manager) pollStatus(ctx context.Context, providerID string, opts Options) provider.Status {
	callCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
	defer cancel()
	status, err := m.provider.Status(callCtx, providerID)
	m.metrics.CountProviderCall("status", err)
	if err != nil {
		m.logger.Warn("status poll failed", zap.String("group", providerID), zap.Error(err))
		return provider.Status{State: provider.StateUnknown}
	}
	m.mu.Lock()
	for _, h := range m.handles {
		if h.ProviderID == providerID {
			h.LastObservedAt = time.Now()
		}
	}
	m.mu.Unlock()
	return status
}

// uploadWorkerLogs preserves container output for failed workers.
// Best-effort: failures here never affect the run.
func (m *Manager) uploadWorkerLogs(ctx context.Context, namespace, runID string, index int, providerID string, opts Options) {
	if ctx.Err() != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
	defer cancel()

	logs, err := m.provider.Logs(callCtx, providerID)
	m.metrics.CountProviderCall("logs", err)
	if err != nil || len(logs) == 0 {
		return
	}

	name := blob.ObjectName(runID, fmt.Sprintf("worker_%d.log", index))
	err = m.store.Put(callCtx, namespace, name, bytes.NewReader(logs))
	m.metrics.CountBlobOp("put", err)
	if err != nil {
		m.logger.Warn("failed to upload worker logs",
			zap.Int("worker", index),
			zap.Error(err))
	}
}

// teardown deletes every group this run created. Runs even when the run
// context is dead; deletion failures are logged, never surfaced.
func (m *Manager) teardown(ctx context.Context, runID string, opts Options) {
	tearCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		tearCtx, cancel = context.WithTimeout(context.Background(), opts.TeardownGrace)
		defer cancel()
	}

	handles := m.Handles()
	var wg sync.WaitGroup
	for _, h := range handles {
		if h.ProviderID == "" {
			continue
		}
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			m.deleteGroup(tearCtx, h.ProviderID, opts)
		}(h)
	}
	wg.Wait()
	m.logger.Info("teardown complete", zap.String("run_id", runID))
}

func (m *Manager) deleteGroup(ctx context.Context, providerID string, opts Options) {
	policy := provider.NewRetryPolicy(
		provider.WithMaxAttempts(4), // first try plus 3 retries at 2/4/8s
		provider.WithInitialDelay(opts.RetryDelay),
		provider.WithRetryIf(func(err error) bool { return ctx.Err() == nil }),
		provider.WithLogger(m.logger),
	)
	err := policy.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
		defer cancel()
		err := m.provider.Delete(callCtx, providerID)
		m.metrics.CountProviderCall("delete", err)
		return err
	})
	if err != nil {
		m.logger.Warn("failed to delete container group",
			zap.String("group", providerID),
			zap.Error(err))
	}
}
