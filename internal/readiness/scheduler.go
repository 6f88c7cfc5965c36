package readiness

import (
	"sort"
	"sync"
	"time"
)

type (
	// Task is a cancellable delayed callback.
	Task interface {
		Stop() bool
	}

	Scheduler interface {
		Now() time.Time
		AfterFunc(d time.Duration, f func()) Task
	}
)

// SystemScheduler runs tasks on the wall clock via time.AfterFunc.
type SystemScheduler struct{}

func (SystemScheduler) Now() time.Time { return time.Now() }

func (SystemScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// ManualScheduler is a deterministic scheduler for tests. Tasks run
// synchronously inside Advance, in due-time order.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	s   *ManualScheduler
	at  time.Time
	seq int
	f   func()
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{s: s, at: s.now.Add(d), seq: s.seq, f: f}
	s.tasks = append(s.tasks, t)
	return t
}

// Pending returns the number of scheduled, not yet fired or stopped tasks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Advance moves the clock forward by d, firing every task that falls due.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		sort.Slice(s.tasks, func(i, j int) bool {
			if s.tasks[i].at.Equal(s.tasks[j].at) {
				return s.tasks[i].seq < s.tasks[j].seq
			}
			return s.tasks[i].at.Before(s.tasks[j].at)
		})
		if len(s.tasks) == 0 || s.tasks[0].at.After(target) {
			s.now = target
			s.mu.Unlock()
			return
		}
		t := s.tasks[0]
		s.tasks = s.tasks[1:]
		if t.at.After(s.now) {
			s.now = t.at
		}
		s.mu.Unlock()

		t.f()
	}
}

func (t *manualTask) Stop() bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.tasks {
		if other == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return true
		}
	}
	return false
}
