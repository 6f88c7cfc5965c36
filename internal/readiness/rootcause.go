package readiness

import (
	"strings"
	"sync"
)

// RootCauses is the process-local record of why key delivery last failed,
// as reported by the inbox processor, plus whether any key package was seen
// for a thread.
type RootCauses struct {
	mu       sync.Mutex
	byThread map[string]ReasonCode
	last     ReasonCode
	seen     map[string]bool
}

func NewRootCauses() *RootCauses {
	return &RootCauses{
		byThread: make(map[string]ReasonCode),
		seen:     make(map[string]bool),
	}
}

// NormalizeRootCause maps a raw root cause string to a reason code.
func NormalizeRootCause(raw string) ReasonCode {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "OPK_SECRET_MISS", "OPK_SECRET_MISSING":
		return ReasonOPKSecretMissing
	case "DECRYPT_FAIL", "DECRYPT_FAILED":
		return ReasonDecryptFailed
	case "POISONED_KEY_PACKAGE":
		return ReasonPoisonedKeyPackage
	case "NO_PREKEYS", "NO_PREKEYS_AVAILABLE":
		return ReasonNoPrekeysAvailable
	default:
		return ReasonNetworkError
	}
}

// Record stores a root cause. An empty threadID only updates the
// process-wide last cause.
func (r *RootCauses) Record(threadID, rawCause string) ReasonCode {
	code := NormalizeRootCause(rawCause)
	r.mu.Lock()
	defer r.mu.Unlock()
	if threadID != "" {
		r.byThread[threadID] = code
	}
	r.last = code
	return code
}

func (r *RootCauses) MarkKeyPackageSeen(threadID string) {
	r.mu.Lock()
	r.seen[threadID] = true
	r.mu.Unlock()
}

// ClearCause drops the root cause recorded for threadID. Whether a key
// package was seen is kept.
func (r *RootCauses) ClearCause(threadID string) {
	r.mu.Lock()
	delete(r.byThread, threadID)
	r.mu.Unlock()
}

// Forget drops everything known about threadID.
func (r *RootCauses) Forget(threadID string) {
	r.mu.Lock()
	delete(r.byThread, threadID)
	delete(r.seen, threadID)
	r.mu.Unlock()
}

// ReasonFor picks the code to surface when threadID times out.
func (r *RootCauses) ReasonFor(threadID string) ReasonCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.byThread[threadID]; ok {
		return code
	}
	if r.last != "" {
		return r.last
	}
	if r.seen[threadID] {
		return ReasonTimeoutWaitingKey
	}
	return ReasonNoKeyPackage
}
