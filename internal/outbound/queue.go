// Package outbound buffers messages composed for a thread whose session key
// is not usable yet, and flushes them in order once the thread is READY.
package outbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sealed_chat/internal/model"
	"sealed_chat/internal/readiness"
	"sealed_chat/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status int

const (
	StatusSent Status = iota + 1
	StatusQueued
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusQueued:
		return "queued"
	default:
		return "unknown"
	}
}

type (
	// Sender is the external send primitive. It encrypts and transmits.
	Sender interface {
		SendEncryptedText(ctx context.Context, threadID, peerID, text, replyToID string) (*model.LocalMessage, error)
	}

	Readiness interface {
		CurrentState(threadID string) readiness.ThreadView
	}

	// Observer keeps optimistic placeholders in sync with the queue.
	Observer interface {
		Queued(msg model.QueuedMessage)
		Sent(threadID, pendingID string, msg *model.LocalMessage)
		FlushFailed(threadID, pendingID string, err error)
		Dropped(threadID string, pendingIDs []string)
	}

	// Result of Send. Queued is an accepted enqueue, not a failure.
	Result struct {
		Status    Status
		PendingID string
		Message   *model.LocalMessage
	}

	// SendFailure is a transient send error. The queue is left intact.
	SendFailure struct {
		ThreadID  string
		PendingID string
		Err       error
	}
)

func (e *SendFailure) Error() string {
	if e.PendingID == "" {
		return fmt.Sprintf("send to thread %s failed: %v", e.ThreadID, e.Err)
	}
	return fmt.Sprintf("send %s to thread %s failed: %v", e.PendingID, e.ThreadID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// Temporary marks the failure as retryable.
func (e *SendFailure) Temporary() bool { return true }

// NopObserver can be embedded to implement only some Observer methods.
type NopObserver struct{}

func (NopObserver) Queued(model.QueuedMessage) {}

func (NopObserver) Sent(string, string, *model.LocalMessage) {}

func (NopObserver) FlushFailed(string, string, error) {}

func (NopObserver) Dropped(string, []string) {}

type Option func(*Queue)

func WithObserver(o Observer) Option { return func(q *Queue) { q.observer = o } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithIDGenerator(next func() string) Option { return func(q *Queue) { q.newID = next } }

// WithExecutor sets how follow-up flushes started by Send are dispatched.
func WithExecutor(run func(func())) Option { return func(q *Queue) { q.run = run } }

type (
	Queue struct {
		sender   Sender
		ready    Readiness
		observer Observer
		now      func() time.Time
		newID    func() string
		run      func(func())

		mu      sync.Mutex
		threads map[string]*threadQueue
	}

	threadQueue struct {
		items []model.QueuedMessage
		// inFlight is set while a flush or a direct send runs for the thread.
		inFlight bool
	}
)

func NewQueue(sender Sender, ready Readiness, opts ...Option) *Queue {
	q := &Queue{
		sender:   sender,
		ready:    ready,
		observer: NopObserver{},
		now:      time.Now,
		newID:    uuid.NewString,
		run:      func(f func()) { go f() },
		threads:  make(map[string]*threadQueue),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Send dispatches msg right away when the thread is READY and nothing is
// queued or in flight for it; otherwise msg is appended to the thread queue.
func (q *Queue) Send(ctx context.Context, threadID string, msg model.OutgoingMessage) (Result, error) {
	isReady := q.ready.CurrentState(threadID).State == readiness.StateReady

	q.mu.Lock()
	tq := q.threads[threadID]
	if isReady && (tq == nil || (len(tq.items) == 0 && !tq.inFlight)) {
		if tq == nil {
			tq = &threadQueue{}
			q.threads[threadID] = tq
		}
		tq.inFlight = true
		q.mu.Unlock()
		return q.sendDirect(ctx, threadID, tq, msg)
	}

	if tq == nil {
		tq = &threadQueue{}
		q.threads[threadID] = tq
	}
	item := model.QueuedMessage{
		PendingID:  q.newID(),
		ThreadID:   threadID,
		PeerID:     msg.PeerID,
		Text:       msg.Text,
		ReplyToID:  msg.ReplyToID,
		EnqueuedAt: q.now(),
	}
	tq.items = append(tq.items, item)
	kick := isReady && !tq.inFlight
	q.mu.Unlock()

	log.Debug("message queued", zap.String("thread", threadID), zap.String("pending", item.PendingID))
	q.observer.Queued(item)

	if kick {
		// an earlier flush stopped on a failure; retry it ahead of this item
		q.flushLater(ctx, threadID)
	}
	return Result{Status: StatusQueued, PendingID: item.PendingID}, nil
}

func (q *Queue) sendDirect(ctx context.Context, threadID string, tq *threadQueue, msg model.OutgoingMessage) (res Result, err error) {
	defer func() {
		q.mu.Lock()
		tq.inFlight = false
		queued := len(tq.items) > 0
		if !queued && q.threads[threadID] == tq {
			delete(q.threads, threadID)
		}
		q.mu.Unlock()

		if queued {
			q.flushLater(ctx, threadID)
		}
	}()

	local, err := q.sender.SendEncryptedText(ctx, threadID, msg.PeerID, msg.Text, msg.ReplyToID)
	if err != nil {
		log.Warn("send failed", zap.String("thread", threadID), zap.Error(err))
		return Result{}, &SendFailure{ThreadID: threadID, Err: err}
	}
	return Result{Status: StatusSent, Message: local}, nil
}

func (q *Queue) flushLater(ctx context.Context, threadID string) {
	ctx = context.WithoutCancel(ctx)
	q.run(func() {
		_ = q.OnReady(ctx, threadID)
	})
}

// OnReady flushes the thread queue strictly in order. It stops at the first
// failure, leaving that item and everything after it queued, and returns a
// *SendFailure. At most one flush runs per thread; a concurrent call returns
// nil immediately.
func (q *Queue) OnReady(ctx context.Context, threadID string) error {
	if q.ready.CurrentState(threadID).State != readiness.StateReady {
		return nil
	}

	q.mu.Lock()
	tq := q.threads[threadID]
	if tq == nil || len(tq.items) == 0 || tq.inFlight {
		q.mu.Unlock()
		return nil
	}
	tq.inFlight = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		tq.inFlight = false
		if len(tq.items) == 0 && q.threads[threadID] == tq {
			delete(q.threads, threadID)
		}
		q.mu.Unlock()
	}()

	sent := 0
	for {
		q.mu.Lock()
		if q.threads[threadID] != tq || len(tq.items) == 0 {
			q.mu.Unlock()
			log.Debug("queue flushed", zap.String("thread", threadID), zap.Int("sent", sent))
			return nil
		}
		item := tq.items[0]
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}

		local, err := q.sender.SendEncryptedText(ctx, threadID, item.PeerID, item.Text, item.ReplyToID)
		if err != nil {
			fail := &SendFailure{ThreadID: threadID, PendingID: item.PendingID, Err: err}
			log.Warn("queue flush stopped",
				zap.String("thread", threadID),
				zap.String("pending", item.PendingID),
				zap.Int("sent", sent),
				zap.Error(err))
			q.observer.FlushFailed(threadID, item.PendingID, fail)
			return fail
		}
		sent++

		q.mu.Lock()
		if len(tq.items) > 0 && tq.items[0].PendingID == item.PendingID {
			tq.items = tq.items[1:]
		}
		q.mu.Unlock()

		q.observer.Sent(threadID, item.PendingID, local)
	}
}

func (q *Queue) QueuedCount(threadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tq := q.threads[threadID]; tq != nil {
		return len(tq.items)
	}
	return 0
}

// Pending returns a copy of the thread queue in send order.
func (q *Queue) Pending(threadID string) []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	tq := q.threads[threadID]
	if tq == nil {
		return nil
	}
	return append([]model.QueuedMessage(nil), tq.items...)
}

// Remove drops one queued message. The head of a queue that is being
// flushed cannot be removed.
func (q *Queue) Remove(threadID, pendingID string) bool {
	q.mu.Lock()
	tq := q.threads[threadID]
	if tq == nil {
		q.mu.Unlock()
		return false
	}
	for i, item := range tq.items {
		if item.PendingID != pendingID {
			continue
		}
		if i == 0 && tq.inFlight {
			q.mu.Unlock()
			return false
		}
		tq.items = append(tq.items[:i:i], tq.items[i+1:]...)
		if len(tq.items) == 0 && !tq.inFlight {
			delete(q.threads, threadID)
		}
		q.mu.Unlock()

		q.observer.Dropped(threadID, []string{pendingID})
		return true
	}
	q.mu.Unlock()
	return false
}

// Clear drops the thread queue without sending. An in-flight flush stops
// after its current item.
func (q *Queue) Clear(threadID string) {
	q.mu.Lock()
	tq := q.threads[threadID]
	delete(q.threads, threadID)
	var ids []string
	if tq != nil {
		for _, item := range tq.items {
			ids = append(ids, item.PendingID)
		}
		tq.items = nil
	}
	q.mu.Unlock()

	if len(ids) > 0 {
		log.Debug("queue cleared", zap.String("thread", threadID), zap.Int("dropped", len(ids)))
		q.observer.Dropped(threadID, ids)
	}
}
