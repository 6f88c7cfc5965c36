package attachment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sealed_chat/internal/keystore"
	"sealed_chat/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Status int

const (
	StatusNone Status = iota
	StatusPending
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusReady:
		return "READY"
	case StatusError:
		return "ERROR"
	default:
		return "NONE"
	}
}

var ErrReleased = errors.New("attachment: pipeline released")

type (
	Fetcher interface {
		FetchCiphertext(ctx context.Context, attachmentID string) ([]byte, error)
	}

	FetcherFunc func(ctx context.Context, attachmentID string) ([]byte, error)

	// Pipeline resolves the attachments of one conversation. It owns every
	// Resource it creates until Release or Close.
	Pipeline struct {
		registry *BlobRegistry
		group    singleflight.Group

		mu      sync.Mutex
		entries map[string]*entry
		gen     uint64
		closed  bool
	}

	entry struct {
		status   Status
		resource *Resource
		err      error
	}
)

func (f FetcherFunc) FetchCiphertext(ctx context.Context, attachmentID string) ([]byte, error) {
	return f(ctx, attachmentID)
}

func NewPipeline(registry *BlobRegistry) *Pipeline {
	if registry == nil {
		registry = NewBlobRegistry()
	}
	return &Pipeline{
		registry: registry,
		entries:  make(map[string]*entry),
	}
}

func (p *Pipeline) Status(attachmentID string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[attachmentID]; ok {
		return e.status
	}
	return StatusNone
}

// ResolveForDisplay returns the decrypted resource for attachmentID,
// fetching and decrypting it at most once at a time. A nil threadKey yields
// ErrSessionNotReady and leaves no state behind. A decrypt failure is
// remembered and returned on later calls without another attempt. A caller
// whose ctx ends stops waiting; the shared fetch keeps running for the others.
func (p *Pipeline) ResolveForDisplay(ctx context.Context, attachmentID string, fetcher Fetcher, threadKey *keystore.Key, nonce []byte) (*Resource, error) {
	if res, done, err := p.lookup(attachmentID); done {
		return res, err
	}
	if threadKey == nil {
		return nil, ErrSessionNotReady
	}

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	// the flight may outlive this call, so it works on its own copy of the key
	key := *threadKey

	// callers after a Release must not join a flight of the previous generation
	flight := p.group.DoChan(fmt.Sprintf("%d/%s", gen, attachmentID), func() (any, error) {
		if res, done, err := p.lookup(attachmentID); done {
			return res, err
		}

		p.mu.Lock()
		if p.closed || p.gen != gen {
			p.mu.Unlock()
			return nil, ErrReleased
		}
		p.entries[attachmentID] = &entry{status: StatusPending}
		p.mu.Unlock()

		defer clear(key[:])
		return p.resolve(context.WithoutCancel(ctx), attachmentID, fetcher, &key, nonce, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-flight:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Resource), nil
	}
}

func (p *Pipeline) lookup(attachmentID string) (*Resource, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, true, ErrReleased
	}
	e, ok := p.entries[attachmentID]
	if !ok {
		return nil, false, nil
	}
	switch e.status {
	case StatusReady:
		return e.resource, true, nil
	case StatusError:
		return nil, true, e.err
	default:
		return nil, false, nil
	}
}

func (p *Pipeline) resolve(ctx context.Context, attachmentID string, fetcher Fetcher, threadKey *keystore.Key, nonce []byte, gen uint64) (*Resource, error) {
	ct, err := fetcher.FetchCiphertext(ctx, attachmentID)
	if err != nil {
		p.forget(attachmentID, gen)
		log.Warn("fetch attachment failed", zap.String("attachment", attachmentID), zap.Error(err))
		return nil, fmt.Errorf("fetch attachment %s: %w", attachmentID, err)
	}

	plain, err := Open(threadKey, ct, nonce)
	if err != nil {
		if errors.Is(err, ErrSessionNotReady) {
			p.forget(attachmentID, gen)
			return nil, err
		}
		log.Warn("decrypt attachment failed", zap.String("attachment", attachmentID), zap.Int("len", len(ct)))
		p.mu.Lock()
		if p.gen == gen {
			p.entries[attachmentID] = &entry{status: StatusError, err: err}
		}
		p.mu.Unlock()
		return nil, err
	}

	res := p.registry.Create(plain)

	p.mu.Lock()
	if p.gen != gen || p.closed {
		p.mu.Unlock()
		p.registry.Revoke(res.Handle)
		return nil, ErrReleased
	}
	p.entries[attachmentID] = &entry{status: StatusReady, resource: res}
	p.mu.Unlock()

	log.Debug("attachment ready", zap.String("attachment", attachmentID), zap.Int("len", res.Size))
	return res, nil
}

func (p *Pipeline) forget(attachmentID string, gen uint64) {
	p.mu.Lock()
	if p.gen == gen {
		delete(p.entries, attachmentID)
	}
	p.mu.Unlock()
}

// Release revokes every resource created so far and resets all state, e.g.
// when the user switches to another conversation. Decrypts still in flight
// revoke their result on completion.
func (p *Pipeline) Release() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.gen++
	p.mu.Unlock()

	n := 0
	for _, e := range entries {
		if e.resource != nil {
			p.registry.Revoke(e.resource.Handle)
			n++
		}
	}
	if n > 0 {
		log.Debug("attachment resources released", zap.Int("count", n))
	}
}

// Close releases everything and rejects further calls.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Release()
}
