package provider

import (
	"context"
	"fmt"
	"sync"
)

// FakeBehavior scripts how the fake treats one container group. The zero
// value reports the group terminated with exit code 0 on the first Status
// call; NewFakeProvider's default (PollsUntilRunning 1, RunPolls 1) reports
// unknown, then running, then terminated with exit code 0 on the third call.
type FakeBehavior struct {
	CreateFailures    int   // reject this many Create calls first
	CreateErr         error // error for rejected creates; default throttled
	NeverStart        bool  // never report running (provision-timeout path)
	PollsUntilRunning int   // Status calls reporting unknown before running
	RunPolls          int   // Status calls reporting running before terminated
	ExitCode          int32 // exit code once terminated
	Logs              []byte
}

type fakeGroup struct {
	behavior    FakeBehavior
	statusCalls int
	deleted     bool
}

// FakeProvider is a deterministic in-memory Provider. Every state
// transition is driven by the caller's own polling, so tests advance the
// machine simply by letting the manager run.
type FakeProvider struct {
	mu             sync.Mutex
	defaults       FakeBehavior
	behaviors      map[string]FakeBehavior
	groups         map[string]*fakeGroup
	createAttempts map[string]int
	createdOrder   []string

	// deleteErrs injects failures for Delete by group name; each call
	// consumes one error.
	deleteErrs map[string][]error
}

// NewFakeProvider creates a fake whose unscripted groups run and then
// terminate cleanly.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		defaults:       FakeBehavior{PollsUntilRunning: 1, RunPolls: 1},
		behaviors:      make(map[string]FakeBehavior),
		groups:         make(map[string]*fakeGroup),
		createAttempts: make(map[string]int),
		deleteErrs:     make(map[string][]error),
	}
}

// SetDefault replaces the behavior applied to unscripted groups.
func (f *FakeProvider) SetDefault(b FakeBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults = b
}

// SetBehavior scripts one group by name.
func (f *FakeProvider) SetBehavior(groupName string, b FakeBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[groupName] = b
}

// PushDeleteError makes the next Delete of groupName fail with err.
func (f *FakeProvider) PushDeleteError(groupName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErrs[groupName] = append(f.deleteErrs[groupName], err)
}

// NewThrottledError builds the retryable throttling error the fake hands
// out for scripted create failures.
func NewThrottledError(op string) error {
	return &Error{Code: CodeThrottled, Op: op, Err: fmt.Errorf("simulated throttle")}
}

func (f *FakeProvider) Create(ctx context.Context, spec Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.createAttempts[spec.GroupName]++
	behavior, ok := f.behaviors[spec.GroupName]
	if !ok {
		behavior = f.defaults
	}

	if f.createAttempts[spec.GroupName] <= behavior.CreateFailures {
		err := behavior.CreateErr
		if err == nil {
			err = NewThrottledError("create")
		}
		return "", err
	}

	f.groups[spec.GroupName] = &fakeGroup{behavior: behavior}
	f.createdOrder = append(f.createdOrder, spec.GroupName)
	return spec.GroupName, nil
}

func (f *FakeProvider) Status(ctx context.Context, providerID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.groups[providerID]
	if !ok || g.deleted {
		return Status{State: StateUnknown}, nil
	}

	g.statusCalls++
	b := g.behavior
	switch {
	case b.NeverStart:
		return Status{State: StateUnknown}, nil
	case g.statusCalls <= b.PollsUntilRunning:
		return Status{State: StateUnknown}, nil
	case g.statusCalls <= b.PollsUntilRunning+b.RunPolls:
		return Status{State: StateRunning}, nil
	default:
		exit := b.ExitCode
		return Status{State: StateTerminated, ExitCode: &exit}, nil
	}
}

func (f *FakeProvider) Delete(ctx context.Context, providerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if errs := f.deleteErrs[providerID]; len(errs) > 0 {
		err := errs[0]
		f.deleteErrs[providerID] = errs[1:]
		return err
	}

	if g, ok := f.groups[providerID]; ok {
		g.deleted = true
	}
	return nil
}

func (f *FakeProvider) Logs(ctx context.Context, providerID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if g, ok := f.groups[providerID]; ok {
		return g.behavior.Logs, nil
	}
	return nil, nil
}

// Created returns group names in creation order.
func (f *FakeProvider) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.createdOrder))
	copy(out, f.createdOrder)
	return out
}

// Active returns groups that were created and not yet deleted.
func (f *FakeProvider) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []string
	for _, name := range f.createdOrder {
		if g := f.groups[name]; g != nil && !g.deleted {
			active = append(active, name)
		}
	}
	return active
}

// CreateAttempts returns how many Create calls were made for a group,
// rejected ones included.
func (f *FakeProvider) CreateAttempts(groupName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createAttempts[groupName]
}
