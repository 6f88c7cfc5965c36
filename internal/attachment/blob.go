package attachment

import (
	"sync"

	"github.com/google/uuid"
)

// BlobRegistry holds decrypted attachment bytes behind opaque handles, the
// way a browser hands out object URLs. Revoke wipes and forgets the bytes.
type BlobRegistry struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewBlobRegistry() *BlobRegistry {
	return &BlobRegistry{blobs: make(map[string][]byte)}
}

// Resource is a handle to decrypted content owned by a Pipeline.
type Resource struct {
	Handle string
	Size   int

	registry *BlobRegistry
}

// Create takes ownership of data.
func (r *BlobRegistry) Create(data []byte) *Resource {
	handle := "blob:" + uuid.NewString()
	r.mu.Lock()
	r.blobs[handle] = data
	r.mu.Unlock()
	return &Resource{Handle: handle, Size: len(data), registry: r}
}

// Open returns a copy of the content, or false once revoked.
func (r *BlobRegistry) Open(handle string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.blobs[handle]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (r *BlobRegistry) Revoke(handle string) {
	r.mu.Lock()
	data, ok := r.blobs[handle]
	delete(r.blobs, handle)
	r.mu.Unlock()

	if ok {
		clear(data)
	}
}

func (r *BlobRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

func (res *Resource) Bytes() ([]byte, bool) {
	return res.registry.Open(res.Handle)
}
