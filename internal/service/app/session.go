package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sealed_chat/internal/attachment"
	"sealed_chat/internal/keystore"
	"sealed_chat/internal/model"
	"sealed_chat/internal/outbound"
	"sealed_chat/internal/readiness"
	"sealed_chat/internal/repository/threadkey"
	"sealed_chat/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxHeldFrames = 256

var (
	_ outbound.Sender    = (*Session)(nil)
	_ outbound.Observer  = (*Session)(nil)
	_ readiness.Recovery = (*Session)(nil)
)

type (
	// KeyRepo is where thread keys are published and picked up.
	KeyRepo interface {
		CreateIfAbsent(ctx context.Context, threadID string, key *keystore.Key) (bool, error)
		Refresh(ctx context.Context, store *keystore.Memory, threadID string) (bool, error)
	}

	// Relay is the realtime write side of the connection to the server.
	Relay interface {
		WriteFrame(frame *model.Frame) error
	}

	// Remote is the HTTP side of the server.
	Remote interface {
		attachment.Fetcher
		PullInbox(ctx context.Context, user string) ([]*model.Frame, error)
		UploadAttachment(ctx context.Context, id string, ciphertext []byte) error
	}

	// View renders session events. Calls may come from any goroutine.
	View interface {
		ShowMessage(msg *model.LocalMessage, mine bool)
		ShowPending(msg model.QueuedMessage)
		RemovePending(pendingIDs ...string)
		ShowState(view readiness.ThreadView, queued int)
		ShowNotice(text string)
		MarkDelivered(messageID string)
	}

	SessionConfig struct {
		User     string
		Peer     string
		ThreadID string
		Creator  bool

		BootstrapBudget time.Duration
		GraceWindow     time.Duration
		ErrorTTL        time.Duration
	}

	SessionOption func(*sessionOptions)

	sessionOptions struct {
		machine []readiness.Option
		queue   []outbound.Option
		run     func(func())
	}

	// Session is one open conversation: it owns the readiness machine, the
	// outbound queue and the attachment pipeline of the thread.
	Session struct {
		cfg     SessionConfig
		keys    *keystore.Memory
		keyRepo KeyRepo
		relay   Relay
		remote  Remote
		view    View

		machine     *readiness.Machine
		queue       *outbound.Queue
		attachments *attachment.Pipeline

		ctx    context.Context
		cancel context.CancelFunc
		run    func(func())

		refreshing atomic.Bool

		mu       sync.Mutex
		held     []*model.Frame
		unsubs   []func()
		attached map[string]attachmentRef
	}
)

func WithMachineOptions(opts ...readiness.Option) SessionOption {
	return func(o *sessionOptions) { o.machine = append(o.machine, opts...) }
}

func WithQueueOptions(opts ...outbound.Option) SessionOption {
	return func(o *sessionOptions) { o.queue = append(o.queue, opts...) }
}

// WithExecutor sets how background key refreshes started by inbound frames
// are dispatched.
func WithExecutor(run func(func())) SessionOption {
	return func(o *sessionOptions) { o.run = run }
}

func NewSession(cfg SessionConfig, keys *keystore.Memory, keyRepo KeyRepo, relay Relay, remote Remote, view View, opts ...SessionOption) *Session {
	o := sessionOptions{run: func(f func()) { go f() }}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		keys:        keys,
		keyRepo:     keyRepo,
		relay:       relay,
		remote:      remote,
		view:        view,
		attachments: attachment.NewPipeline(nil),
		ctx:         ctx,
		cancel:      cancel,
		run:         o.run,
		attached:    make(map[string]attachmentRef),
	}

	machineOpts := append([]readiness.Option{
		readiness.WithTimings(cfg.BootstrapBudget, cfg.GraceWindow, cfg.ErrorTTL),
	}, o.machine...)
	s.machine = readiness.NewMachine(keys, s, machineOpts...)

	queueOpts := append([]outbound.Option{outbound.WithObserver(s)}, o.queue...)
	s.queue = outbound.NewQueue(s, s.machine, queueOpts...)
	return s
}

func (s *Session) ThreadID() string { return s.cfg.ThreadID }

func (s *Session) Machine() *readiness.Machine { return s.machine }

// Open starts tracking the thread: readiness bootstrapping begins if the key
// is not present yet.
func (s *Session) Open() readiness.ThreadView {
	unsubKeys := s.keys.Subscribe(func(uint64) { s.machine.HandleKeyVersion() })
	unsubState := s.machine.Subscribe(func(v readiness.ThreadView) {
		if v.ThreadID == s.cfg.ThreadID {
			s.view.ShowState(v, s.queue.QueuedCount(v.ThreadID))
		}
	})
	s.machine.OnReady(s.onReady)

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubKeys, unsubState)
	s.mu.Unlock()

	v := s.machine.Observe(s.cfg.ThreadID, s.cfg.Peer, s.cfg.Creator)
	s.view.ShowState(v, s.queue.QueuedCount(s.cfg.ThreadID))
	return v
}

// State is the thread readiness as the composer should render it.
func (s *Session) State() readiness.ThreadView {
	return s.machine.CurrentState(s.cfg.ThreadID)
}

func (s *Session) Send(ctx context.Context, text string) (outbound.Result, error) {
	res, err := s.queue.Send(ctx, s.cfg.ThreadID, model.OutgoingMessage{PeerID: s.cfg.Peer, Text: text})
	if err != nil {
		return res, err
	}
	if res.Status == outbound.StatusSent {
		s.view.ShowMessage(res.Message, true)
	}
	return res, nil
}

// SendAttachment encrypts data, uploads it and sends a reference to it
// through the outbound queue.
func (s *Session) SendAttachment(ctx context.Context, data []byte) (outbound.Result, error) {
	key, ok := s.keys.Key(s.cfg.ThreadID)
	if !ok {
		return outbound.Result{}, attachment.ErrSessionNotReady
	}
	sealed, err := attachment.PrepareUpload(key, data)
	clear(key[:])
	if err != nil {
		return outbound.Result{}, err
	}

	ref := attachmentRef{ID: uuid.NewString(), Nonce: sealed.Nonce}
	if err := s.remote.UploadAttachment(ctx, ref.ID, sealed.Ciphertext); err != nil {
		return outbound.Result{}, fmt.Errorf("upload attachment: %w", err)
	}
	log.Debug("attachment uploaded", zap.String("attachment", ref.ID), zap.Int("len", len(sealed.Ciphertext)))
	return s.Send(ctx, ref.String())
}

// Attachment resolves a received attachment for display.
func (s *Session) Attachment(ctx context.Context, id string) (*attachment.Resource, error) {
	s.mu.Lock()
	ref, ok := s.attached[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown attachment %s", id)
	}

	key, _ := s.keys.Key(s.cfg.ThreadID)
	res, err := s.attachments.ResolveForDisplay(ctx, id, s.remote, key, ref.Nonce)
	if key != nil {
		clear(key[:])
	}
	return res, err
}

func (s *Session) Retry() readiness.ThreadView {
	return s.machine.Retry(s.cfg.ThreadID, s.cfg.Peer, s.cfg.Creator)
}

func (s *Session) Pending() []model.QueuedMessage {
	return s.queue.Pending(s.cfg.ThreadID)
}

func (s *Session) RemovePending(pendingID string) bool {
	if !s.queue.Remove(s.cfg.ThreadID, pendingID) {
		return false
	}
	s.view.RemovePending(pendingID)
	return true
}

// Close tears the thread down: pending messages are dropped, timers stop and
// decrypted attachments are released.
func (s *Session) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.held = nil
	s.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	s.cancel()
	s.machine.Teardown(s.cfg.ThreadID)
	s.machine.Close()
	s.queue.Clear(s.cfg.ThreadID)
	s.attachments.Close()
}

func (s *Session) onReady(threadID string) {
	if threadID != s.cfg.ThreadID {
		return
	}

	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, f := range held {
		s.HandleFrame(s.ctx, f)
	}

	if err := s.queue.OnReady(s.ctx, threadID); err != nil {
		log.Warn("flush after ready failed", zap.String("thread", threadID), zap.Error(err))
	}
	s.view.ShowState(s.State(), s.queue.QueuedCount(threadID))
}

// HandleFrame processes one frame from the relay, live or from the inbox.
func (s *Session) HandleFrame(ctx context.Context, f *model.Frame) {
	if f.To != s.cfg.User || f.ThreadID != s.cfg.ThreadID {
		log.Debug("ignoring frame for another conversation", zap.String("frame", f.ID), zap.String("thread", f.ThreadID))
		return
	}

	switch f.Kind {
	case model.FrameAck:
		s.view.MarkDelivered(f.ReplyToID)
	case model.FrameText:
		s.receiveText(ctx, f)
	default:
		log.Warn("unknown frame kind", zap.String("frame", f.ID), zap.String("kind", string(f.Kind)))
	}
}

func (s *Session) receiveText(ctx context.Context, f *model.Frame) {
	key, ok := s.keys.Key(f.ThreadID)
	if !ok {
		s.mu.Lock()
		if len(s.held) < maxHeldFrames {
			s.held = append(s.held, f)
		}
		s.mu.Unlock()
		log.Debug("holding frame until thread key arrives", zap.String("frame", f.ID), zap.String("thread", f.ThreadID))

		// the peer already holds a key for this thread
		s.machine.RootCauses().MarkKeyPackageSeen(f.ThreadID)
		s.refreshInBackground(f.ThreadID)
		return
	}

	text, err := openText(key, f.Ciphertext, f.Nonce)
	clear(key[:])
	if err != nil {
		code := s.machine.RootCauses().Record(f.ThreadID, "DECRYPT_FAIL")
		log.Warn("decrypt frame failed", zap.String("frame", f.ID), zap.String("code", string(code)))
		s.view.ShowNotice("a message could not be decrypted")
		return
	}

	msg := &model.LocalMessage{
		ID:        f.ID,
		ThreadID:  f.ThreadID,
		SenderID:  f.From,
		Text:      text,
		ReplyToID: f.ReplyToID,
		Nonce:     f.Nonce,
		CreatedAt: f.CreatedAt,
	}
	if ref, ok := parseAttachmentRef(text); ok {
		s.mu.Lock()
		s.attached[ref.ID] = ref
		s.mu.Unlock()
	}
	s.view.ShowMessage(msg, false)

	ack := &model.Frame{
		Kind:      model.FrameAck,
		ID:        uuid.NewString(),
		From:      s.cfg.User,
		To:        f.From,
		ThreadID:  f.ThreadID,
		ReplyToID: f.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.relay.WriteFrame(ack); err != nil {
		log.Debug("send ack failed", zap.String("frame", f.ID), zap.Error(err))
	}
}

// SendEncryptedText seals text under the thread key and hands it to the relay.
func (s *Session) SendEncryptedText(_ context.Context, threadID, peerID, text, replyToID string) (*model.LocalMessage, error) {
	key, ok := s.keys.Key(threadID)
	if !ok {
		return nil, errKeyMissing
	}
	ct, nonce, err := sealText(key, text)
	clear(key[:])
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	frame := &model.Frame{
		Kind:       model.FrameText,
		ID:         uuid.NewString(),
		From:       s.cfg.User,
		To:         peerID,
		ThreadID:   threadID,
		Ciphertext: ct,
		Nonce:      nonce[:],
		ReplyToID:  replyToID,
		CreatedAt:  now,
	}
	if err := s.relay.WriteFrame(frame); err != nil {
		return nil, err
	}

	return &model.LocalMessage{
		ID:        frame.ID,
		ThreadID:  threadID,
		SenderID:  s.cfg.User,
		Text:      text,
		ReplyToID: replyToID,
		Nonce:     frame.Nonce,
		CreatedAt: now,
	}, nil
}

// RequestKey publishes a fresh key when this side created the thread, then
// loads whatever key the repository holds.
func (s *Session) RequestKey(ctx context.Context, threadID, _ string, isCreator bool) error {
	if isCreator {
		var key keystore.Key
		if _, err := rand.Read(key[:]); err != nil {
			return err
		}
		created, err := s.keyRepo.CreateIfAbsent(ctx, threadID, &key)
		clear(key[:])
		if err != nil {
			s.machine.RootCauses().Record(threadID, "NETWORK_ERROR")
			return err
		}
		if created {
			log.Info("thread key published", zap.String("thread", threadID))
		}
	}
	return s.refresh(ctx, threadID)
}

func (s *Session) RefreshAndRetry(ctx context.Context, threadID, peerID string, isCreator bool) error {
	return s.RequestKey(ctx, threadID, peerID, isCreator)
}

// PullInboxOnce processes every frame the relay cached for this user.
func (s *Session) PullInboxOnce(ctx context.Context) error {
	frames, err := s.remote.PullInbox(ctx, s.cfg.User)
	if err != nil {
		return err
	}
	for _, f := range frames {
		s.HandleFrame(ctx, f)
	}
	return nil
}

// refreshInBackground starts a key refresh unless one is already running.
func (s *Session) refreshInBackground(threadID string) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	s.run(func() {
		defer s.refreshing.Store(false)
		if err := s.refresh(s.ctx, threadID); err != nil {
			log.Warn("refresh thread key failed", zap.String("thread", threadID), zap.Error(err))
		}
	})
}

func (s *Session) refresh(ctx context.Context, threadID string) error {
	changed, err := s.keyRepo.Refresh(ctx, s.keys, threadID)
	switch {
	case errors.Is(err, threadkey.ErrMalformedKey):
		s.machine.RootCauses().MarkKeyPackageSeen(threadID)
		s.machine.RootCauses().Record(threadID, "POISONED_KEY_PACKAGE")
		return err
	case err != nil:
		s.machine.RootCauses().Record(threadID, "NETWORK_ERROR")
		return err
	}
	if changed {
		log.Debug("thread key loaded", zap.String("thread", threadID))
	}
	return nil
}

func (s *Session) Queued(msg model.QueuedMessage) {
	s.view.ShowPending(msg)
	s.view.ShowState(s.State(), s.queue.QueuedCount(msg.ThreadID))
}

func (s *Session) Sent(threadID, pendingID string, msg *model.LocalMessage) {
	s.view.RemovePending(pendingID)
	s.view.ShowMessage(msg, true)
	s.view.ShowState(s.State(), s.queue.QueuedCount(threadID))
}

func (s *Session) FlushFailed(_, pendingID string, err error) {
	log.Debug("pending message kept after failure", zap.String("pending", pendingID), zap.Error(err))
	s.view.ShowNotice("sending paused, queued messages will be retried")
}

func (s *Session) Dropped(_ string, pendingIDs []string) {
	s.view.RemovePending(pendingIDs...)
}
