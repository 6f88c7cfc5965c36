package readiness

import (
	"context"
	"sync"
	"time"

	"sealed_chat/internal/utils/log"

	"go.uber.org/zap"
)

type Option func(*Machine)

func WithScheduler(s Scheduler) Option { return func(m *Machine) { m.sched = s } }

func WithErrorCache(c ErrorCache) Option { return func(m *Machine) { m.errors = c } }

func WithRootCauses(r *RootCauses) Option { return func(m *Machine) { m.causes = r } }

// WithTimings overrides the bootstrap budget, grace window and error TTL.
// Zero values keep the defaults.
func WithTimings(budget, grace, errorTTL time.Duration) Option {
	return func(m *Machine) {
		if budget > 0 {
			m.budget = budget
		}
		if grace > 0 {
			m.grace = grace
		}
		if errorTTL > 0 {
			m.errorTTL = errorTTL
		}
	}
}

// WithExecutor sets how collaborator calls and ready callbacks are
// dispatched. The default runs each in its own goroutine.
func WithExecutor(run func(func())) Option { return func(m *Machine) { m.run = run } }

type (
	Machine struct {
		keys     KeyStore
		recovery Recovery
		errors   ErrorCache
		causes   *RootCauses
		sched    Scheduler
		run      func(func())

		budget   time.Duration
		grace    time.Duration
		errorTTL time.Duration

		ctx    context.Context
		cancel context.CancelFunc

		mu          sync.Mutex
		threads     map[string]*thread
		lastVersion uint64
		timerSeq    uint64
		readyFns    []func(threadID string)
		subs        map[int]func(ThreadView)
		nextSub     int
		closed      bool
	}

	thread struct {
		rec  record
		task Task
		gen  uint64
	}
)

func NewMachine(keys KeyStore, recovery Recovery, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		keys:     keys,
		recovery: recovery,
		sched:    SystemScheduler{},
		run:      func(f func()) { go f() },
		budget:   DefaultBootstrapBudget,
		grace:    DefaultGraceWindow,
		errorTTL: DefaultErrorTTL,
		ctx:      ctx,
		cancel:   cancel,
		threads:  make(map[string]*thread),
		subs:     make(map[int]func(ThreadView)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.causes == nil {
		m.causes = NewRootCauses()
	}
	if m.errors == nil {
		m.errors = NewMemoryErrorCache(m.errorTTL, m.sched.Now)
	}
	return m
}

// RootCauses exposes the record the inbox processor reports failures into.
func (m *Machine) RootCauses() *RootCauses { return m.causes }

// OnReady registers fn to run once a thread has fully transitioned to READY.
func (m *Machine) OnReady(fn func(threadID string)) {
	m.mu.Lock()
	m.readyFns = append(m.readyFns, fn)
	m.mu.Unlock()
}

// Subscribe registers fn for every state change of any thread.
func (m *Machine) Subscribe(fn func(ThreadView)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Observe is called whenever a thread is opened. A thread that already has
// its key is left alone.
func (m *Machine) Observe(threadID, peerID string, isCreator bool) ThreadView {
	m.step(threadID, evObserve, &record{peerID: peerID, isCreator: isCreator}, 0)
	return m.CurrentState(threadID)
}

// Retry clears any cached error and restarts bootstrapping with a
// corrective retry.
func (m *Machine) Retry(threadID, peerID string, isCreator bool) ThreadView {
	m.step(threadID, evRetry, &record{peerID: peerID, isCreator: isCreator}, 0)
	return m.CurrentState(threadID)
}

// HandleKeyVersion re-evaluates every tracked thread after the key store
// version moved.
func (m *Machine) HandleKeyVersion() {
	v := m.keys.Version()

	m.mu.Lock()
	if v == m.lastVersion {
		m.mu.Unlock()
		return
	}
	m.lastVersion = v
	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.step(id, evKeyChanged, nil, 0)
	}
}

func (m *Machine) CurrentState(threadID string) ThreadView {
	if m.keys.HasKey(threadID) {
		return ThreadView{ThreadID: threadID, State: StateReady}
	}

	m.mu.Lock()
	t, ok := m.threads[threadID]
	var rec record
	if ok {
		rec = t.rec
	}
	m.mu.Unlock()

	if !ok {
		return ThreadView{ThreadID: threadID, State: StateNone}
	}
	if rec.phase != phaseError {
		return viewOf(threadID, rec)
	}

	cached, err := m.errors.Get(m.ctx, threadID)
	if err != nil {
		log.Warn("read cached thread error failed", zap.String("thread", threadID), zap.Error(err))
		return viewOf(threadID, rec)
	}
	if cached == nil {
		// expired: bootstrap again instead of blocking the thread
		m.run(func() { m.step(threadID, evObserve, nil, 0) })
		return ThreadView{ThreadID: threadID, State: StateBootstrapping}
	}
	return ThreadView{ThreadID: threadID, State: StateError, ErrorCode: cached.Code}
}

// Teardown forgets a thread and cancels its pending timer.
func (m *Machine) Teardown(threadID string) {
	m.mu.Lock()
	if t, ok := m.threads[threadID]; ok {
		m.cancelLocked(t)
		delete(m.threads, threadID)
	}
	m.mu.Unlock()
	m.causes.Forget(threadID)
}

// Close cancels all timers and in-flight collaborator calls.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.threads {
		m.cancelLocked(t)
		delete(m.threads, id)
	}
	m.mu.Unlock()
	m.cancel()
}

func viewOf(threadID string, rec record) ThreadView {
	return ThreadView{
		ThreadID:           threadID,
		State:              rec.phase.state(),
		ErrorCode:          rec.errorCode,
		BootstrapStartedAt: rec.bootstrapStartedAt,
	}
}

func (m *Machine) hasCachedError(threadID string) bool {
	cached, err := m.errors.Get(m.ctx, threadID)
	if err != nil {
		log.Warn("read cached thread error failed", zap.String("thread", threadID), zap.Error(err))
		return true
	}
	return cached != nil
}

// step feeds one event through transition and applies the effects. Timer
// events carry the generation they were scheduled under and are dropped when
// it no longer matches.
func (m *Machine) step(threadID string, ev event, seed *record, timerGen uint64) {
	f := facts{
		now:    m.sched.Now(),
		hasKey: m.keys.HasKey(threadID),
		reason: m.causes.ReasonFor(threadID),
	}
	if ev == evObserve {
		f.errorCached = m.hasCachedError(threadID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	t, ok := m.threads[threadID]
	if !ok {
		if ev != evObserve && ev != evRetry {
			m.mu.Unlock()
			return
		}
		t = &thread{}
		m.threads[threadID] = t
	}
	if timerGen != 0 && timerGen != t.gen {
		m.mu.Unlock()
		return
	}
	if seed != nil {
		t.rec.peerID = seed.peerID
		t.rec.isCreator = seed.isCreator
	}

	prev := t.rec
	next, eff := transition(t.rec, ev, f)
	t.rec = next

	if eff.has(effCancelTimer) {
		m.cancelLocked(t)
	}
	if eff.has(effScheduleBudget) {
		m.scheduleLocked(threadID, t, m.budget, evBudgetElapsed)
	}
	if eff.has(effScheduleGrace) {
		m.scheduleLocked(threadID, t, m.grace, evGraceElapsed)
	}

	var readyFns []func(string)
	if eff.has(effNotifyReady) {
		readyFns = append(readyFns, m.readyFns...)
	}
	var subs []func(ThreadView)
	changed := prev.phase != next.phase || !prev.bootstrapStartedAt.Equal(next.bootstrapStartedAt)
	if changed {
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if changed {
		log.Debug("thread readiness changed",
			zap.String("thread", threadID),
			zap.String("event", ev.String()),
			zap.String("from", string(prev.phase.state())),
			zap.String("to", string(next.phase.state())),
			zap.String("code", string(next.errorCode)))
	}

	if eff.has(effNotifyReady) {
		m.causes.ClearCause(threadID)
	}
	if eff.has(effClearError) {
		if err := m.errors.Clear(m.ctx, threadID); err != nil {
			log.Warn("clear cached thread error failed", zap.String("thread", threadID), zap.Error(err))
		}
	}
	if eff.has(effPersistError) {
		log.Warn("thread key not delivered", zap.String("thread", threadID), zap.String("code", string(next.errorCode)))
		if err := m.errors.Put(m.ctx, threadID, CachedError{Code: next.errorCode, At: f.now}); err != nil {
			log.Warn("persist thread error failed", zap.String("thread", threadID), zap.Error(err))
		}
	}

	// subscribers see this state before any collaborator can move it on
	view := viewOf(threadID, next)
	for _, fn := range subs {
		fn(view)
	}

	if eff.has(effRequestKey) {
		m.run(func() { m.requestKey(threadID, next) })
	}
	if eff.has(effCorrectiveRetry) {
		m.run(func() { m.correctiveRetry(threadID, next) })
	}
	for _, fn := range readyFns {
		fn := fn
		m.run(func() { fn(threadID) })
	}
}

func (m *Machine) scheduleLocked(threadID string, t *thread, d time.Duration, ev event) {
	m.cancelLocked(t)
	gen := t.gen
	t.task = m.sched.AfterFunc(d, func() { m.step(threadID, ev, nil, gen) })
}

func (m *Machine) cancelLocked(t *thread) {
	if t.task != nil {
		t.task.Stop()
		t.task = nil
	}
	m.timerSeq++
	t.gen = m.timerSeq
}

func (m *Machine) requestKey(threadID string, rec record) {
	if err := m.recovery.RequestKey(m.ctx, threadID, rec.peerID, rec.isCreator); err != nil {
		log.Warn("request thread key failed", zap.String("thread", threadID), zap.Error(err))
	}
	m.recheck(threadID)
}

func (m *Machine) correctiveRetry(threadID string, rec record) {
	if err := m.recovery.RefreshAndRetry(m.ctx, threadID, rec.peerID, rec.isCreator); err != nil {
		log.Warn("refresh keys and retry failed", zap.String("thread", threadID), zap.Error(err))
	}
	if err := m.recovery.PullInboxOnce(m.ctx); err != nil {
		log.Warn("inbox pull failed", zap.String("thread", threadID), zap.Error(err))
	}
	m.recheck(threadID)
}

// recheck catches a key that arrived without a version signal reaching us.
func (m *Machine) recheck(threadID string) {
	if m.keys.HasKey(threadID) {
		m.step(threadID, evKeyChanged, nil, 0)
	}
}
