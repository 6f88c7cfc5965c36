package readiness

import (
	"context"
	"sync"
	"testing"
	"time"

	"sealed_chat/internal/keystore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRecovery struct {
	mu       sync.Mutex
	requests int
	refresh  int
	pulls    int
	onRetry  func(threadID string)
	onReq    func(threadID string)
}

func (f *fakeRecovery) RequestKey(_ context.Context, threadID, _ string, _ bool) error {
	f.mu.Lock()
	f.requests++
	hook := f.onReq
	f.mu.Unlock()
	if hook != nil {
		hook(threadID)
	}
	return nil
}

func (f *fakeRecovery) RefreshAndRetry(_ context.Context, threadID, _ string, _ bool) error {
	f.mu.Lock()
	f.refresh++
	hook := f.onRetry
	f.mu.Unlock()
	if hook != nil {
		hook(threadID)
	}
	return nil
}

func (f *fakeRecovery) PullInboxOnce(context.Context) error {
	f.mu.Lock()
	f.pulls++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecovery) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, f.refresh, f.pulls
}

type harness struct {
	keys     *keystore.Memory
	recovery *fakeRecovery
	sched    *ManualScheduler
	machine  *Machine
	ready    []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		keys:     keystore.NewMemory(),
		recovery: &fakeRecovery{},
		sched:    NewManualScheduler(t0),
	}
	h.machine = NewMachine(h.keys, h.recovery,
		WithScheduler(h.sched),
		WithExecutor(func(f func()) { f() }),
	)
	h.machine.OnReady(func(id string) { h.ready = append(h.ready, id) })
	h.keys.Subscribe(func(uint64) { h.machine.HandleKeyVersion() })
	t.Cleanup(h.machine.Close)
	return h
}

func (h *harness) deliverKey(threadID string) {
	h.keys.Put(threadID, &keystore.Key{42})
}

func TestObserveReadyThreadIsNoop(t *testing.T) {
	h := newHarness(t)
	h.deliverKey("t1")

	view := h.machine.Observe("t1", "bob", false)
	assert.Equal(t, StateReady, view.State)
	assert.Equal(t, 0, h.sched.Pending())

	req, refresh, pulls := h.recovery.counts()
	assert.Zero(t, req+refresh+pulls)
}

func TestUnknownThreadHasNoState(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, StateNone, h.machine.CurrentState("nope").State)
}

func TestBootstrapTimeline(t *testing.T) {
	h := newHarness(t)

	view := h.machine.Observe("t1", "bob", true)
	require.Equal(t, StateBootstrapping, view.State)
	assert.Equal(t, t0, view.BootstrapStartedAt)
	req, refresh, _ := h.recovery.counts()
	assert.Equal(t, 1, req)
	assert.Equal(t, 0, refresh)

	// observing again while bootstrapping does not restart anything
	h.machine.Observe("t1", "bob", true)
	req, _, _ = h.recovery.counts()
	assert.Equal(t, 1, req)

	h.sched.Advance(119 * time.Second)
	_, refresh, _ = h.recovery.counts()
	assert.Equal(t, 0, refresh)
	assert.Equal(t, StateBootstrapping, h.machine.CurrentState("t1").State)

	h.sched.Advance(time.Second)
	_, refresh, pulls := h.recovery.counts()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, 1, pulls)
	assert.Equal(t, StateBootstrapping, h.machine.CurrentState("t1").State)

	h.sched.Advance(11 * time.Second)
	assert.Equal(t, StateBootstrapping, h.machine.CurrentState("t1").State)

	h.sched.Advance(time.Second)
	view = h.machine.CurrentState("t1")
	require.Equal(t, StateError, view.State)
	assert.Equal(t, ReasonNoKeyPackage, view.ErrorCode)

	var bte *BootstrapTimeoutError
	require.ErrorAs(t, view.Err(), &bte)
	assert.Equal(t, ReasonNoKeyPackage, bte.Code)

	// no further retries after ERROR
	h.sched.Advance(10 * time.Minute)
	_, refresh, _ = h.recovery.counts()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestKeyArrivesWhileWaiting(t *testing.T) {
	h := newHarness(t)
	h.machine.Observe("t1", "bob", false)

	h.sched.Advance(30 * time.Second)
	h.deliverKey("t1")

	assert.Equal(t, StateReady, h.machine.CurrentState("t1").State)
	assert.Equal(t, []string{"t1"}, h.ready)
	assert.Equal(t, 0, h.sched.Pending())

	h.sched.Advance(5 * time.Minute)
	_, refresh, _ := h.recovery.counts()
	assert.Zero(t, refresh)
}

func TestKeyArrivesDuringGrace(t *testing.T) {
	h := newHarness(t)
	h.machine.Observe("t1", "bob", false)

	h.sched.Advance(125 * time.Second)
	h.deliverKey("t1")
	h.sched.Advance(time.Minute)

	assert.Equal(t, StateReady, h.machine.CurrentState("t1").State)
	assert.Equal(t, []string{"t1"}, h.ready)
}

func TestKeyDeliveredByCorrectiveRetry(t *testing.T) {
	h := newHarness(t)
	// recovery deposits the key but nothing wires the version signal
	keys := keystore.NewMemory()
	h.machine = NewMachine(keys, h.recovery, WithScheduler(h.sched), WithExecutor(func(f func()) { f() }))
	h.machine.OnReady(func(id string) { h.ready = append(h.ready, id) })
	h.recovery.onRetry = func(id string) { keys.Put(id, &keystore.Key{1}) }

	h.machine.Observe("t1", "bob", false)
	h.sched.Advance(DefaultBootstrapBudget)

	assert.Equal(t, StateReady, h.machine.CurrentState("t1").State)
	assert.Equal(t, []string{"t1"}, h.ready)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestReasonFromRootCause(t *testing.T) {
	h := newHarness(t)
	h.machine.RootCauses().Record("t1", "opk_secret_miss")

	h.machine.Observe("t1", "bob", false)
	h.sched.Advance(DefaultBootstrapBudget + DefaultGraceWindow)

	view := h.machine.CurrentState("t1")
	assert.Equal(t, StateError, view.State)
	assert.Equal(t, ReasonOPKSecretMissing, view.ErrorCode)
}

func TestReasonTimeoutWhenKeyPackageSeen(t *testing.T) {
	h := newHarness(t)
	h.machine.RootCauses().MarkKeyPackageSeen("t1")

	h.machine.Observe("t1", "bob", false)
	h.sched.Advance(DefaultBootstrapBudget + DefaultGraceWindow)

	assert.Equal(t, ReasonTimeoutWaitingKey, h.machine.CurrentState("t1").ErrorCode)
}

func TestReadyClearsThreadRootCause(t *testing.T) {
	h := newHarness(t)
	causes := h.machine.RootCauses()
	causes.Record("t1", "DECRYPT_FAIL")
	causes.Record("", "NO_PREKEYS")
	causes.MarkKeyPackageSeen("t1")

	h.machine.Observe("t1", "bob", false)
	h.deliverKey("t1")
	require.Equal(t, StateReady, h.machine.CurrentState("t1").State)

	// the thread's own cause is gone, the process-wide one remains
	assert.Equal(t, ReasonNoPrekeysAvailable, causes.ReasonFor("t1"))
}

func TestTeardownForgetsRootCauses(t *testing.T) {
	h := newHarness(t)
	causes := h.machine.RootCauses()
	causes.MarkKeyPackageSeen("t1")

	h.machine.Observe("t1", "bob", false)
	require.Equal(t, ReasonTimeoutWaitingKey, causes.ReasonFor("t1"))

	h.machine.Teardown("t1")
	assert.Equal(t, ReasonNoKeyPackage, causes.ReasonFor("t1"))
}

func TestCachedErrorExpires(t *testing.T) {
	h := newHarness(t)
	h.machine.Observe("t1", "bob", false)
	h.sched.Advance(DefaultBootstrapBudget + DefaultGraceWindow)
	require.Equal(t, StateError, h.machine.CurrentState("t1").State)

	// reopening while the error is fresh keeps it
	assert.Equal(t, StateError, h.machine.Observe("t1", "bob", false).State)
	req, _, _ := h.recovery.counts()
	assert.Equal(t, 1, req)

	h.sched.Advance(59 * time.Minute)
	assert.Equal(t, StateError, h.machine.CurrentState("t1").State)

	h.sched.Advance(time.Minute)
	view := h.machine.CurrentState("t1")
	assert.Equal(t, StateBootstrapping, view.State)
	assert.Empty(t, view.ErrorCode)

	req, _, _ = h.recovery.counts()
	assert.Equal(t, 2, req)
	assert.Equal(t, StateBootstrapping, h.machine.CurrentState("t1").State)
	assert.Equal(t, 1, h.sched.Pending())
}

func TestErrorThreadReattemptsOnKeyVersionChange(t *testing.T) {
	h := newHarness(t)
	h.machine.Observe("t1", "bob", false)
	h.sched.Advance(DefaultBootstrapBudget + DefaultGraceWindow)
	require.Equal(t, StateError, h.machine.CurrentState("t1").State)

	// a key for some other thread still moves the version
	h.deliverKey("other")
	assert.Equal(t, StateBootstrapping, h.machine.CurrentState("t1").State)
	req, _, _ := h.recovery.counts()
	assert.Equal(t, 2, req)

	h.deliverKey("t1")
	assert.Equal(t, StateReady, h.machine.CurrentState("t1").State)
	assert.Equal(t, []string{"t1"}, h.ready)

	cached, err := h.machine.errors.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestRetryClearsError(t *testing.T) {
	h := newHarness(t)
	h.machine.Observe("t1", "bob", true)
	h.sched.Advance(DefaultBootstrapBudget + DefaultGraceWindow)
	require.Equal(t, StateError, h.machine.CurrentState("t1").State)

	view := h.machine.Retry("t1", "bob", true)
	assert.Equal(t, StateBootstrapping, view.State)
	_, refresh, _ := h.recovery.counts()
	assert.Equal(t, 2, refresh)

	cached, err := h.machine.errors.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, cached)

	// full budget again from the retry
	h.sched.Advance(DefaultBootstrapBudget + DefaultGraceWindow - time.Second)
	assert.Equal(t, StateBootstrapping, h.machine.CurrentState("t1").State)
	h.sched.Advance(time.Second)
	assert.Equal(t, StateError, h.machine.CurrentState("t1").State)
}

func TestTeardownCancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.machine.Observe("t1", "bob", false)
	require.Equal(t, 1, h.sched.Pending())

	h.machine.Teardown("t1")
	assert.Equal(t, 0, h.sched.Pending())

	h.sched.Advance(time.Hour)
	_, refresh, _ := h.recovery.counts()
	assert.Zero(t, refresh)
	assert.Equal(t, StateNone, h.machine.CurrentState("t1").State)
}

func TestCloseStopsEverything(t *testing.T) {
	h := newHarness(t)
	h.machine.Observe("t1", "bob", false)
	h.machine.Observe("t2", "carol", false)
	h.machine.Close()

	assert.Equal(t, 0, h.sched.Pending())
	h.machine.Observe("t3", "dave", false)
	assert.Equal(t, StateNone, h.machine.CurrentState("t3").State)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)
	var states []State
	cancel := h.machine.Subscribe(func(v ThreadView) { states = append(states, v.State) })

	h.machine.Observe("t1", "bob", false)
	h.sched.Advance(DefaultBootstrapBudget + DefaultGraceWindow)
	h.deliverKey("t1")
	cancel()
	h.machine.Observe("t2", "bob", false)

	assert.Equal(t, []State{StateBootstrapping, StateBootstrapping, StateError, StateReady}, states)
}

func TestWithTimings(t *testing.T) {
	h := newHarness(t)
	h.machine = NewMachine(h.keys, h.recovery,
		WithScheduler(h.sched),
		WithExecutor(func(f func()) { f() }),
		WithTimings(10*time.Second, 2*time.Second, time.Minute),
	)
	h.machine.Observe("t1", "bob", false)
	h.sched.Advance(12 * time.Second)
	assert.Equal(t, StateError, h.machine.CurrentState("t1").State)

	h.sched.Advance(time.Minute)
	assert.Equal(t, StateBootstrapping, h.machine.CurrentState("t1").State)
}

func TestSubscribersSeeBootstrapBeforeImmediateKey(t *testing.T) {
	h := newHarness(t)
	h.recovery.onReq = h.deliverKey

	var states []State
	h.machine.Subscribe(func(v ThreadView) { states = append(states, v.State) })

	view := h.machine.Observe("t1", "bob", true)
	assert.Equal(t, StateReady, view.State)
	assert.Equal(t, []State{StateBootstrapping, StateReady}, states)
	assert.Equal(t, []string{"t1"}, h.ready)
}
