// Package readiness tracks, per protected thread, whether the thread session
// key is usable yet. A thread without a key bootstraps for a fixed budget,
// gets one corrective retry and a short grace window, and then reports
// ERROR with a reason code until the key shows up or the cached code expires.
package readiness

import (
	"context"
	"fmt"
	"time"
)

type State string

const (
	StateNone          State = ""
	StateBootstrapping State = "BOOTSTRAPPING"
	StateReady         State = "READY"
	StateError         State = "ERROR"
)

type ReasonCode string

const (
	ReasonBootstrapFailed    ReasonCode = "BOOTSTRAP_FAILED"
	ReasonNoPeerDevices      ReasonCode = "NO_PEER_DEVICES"
	ReasonNoPrekeysAvailable ReasonCode = "NO_PREKEYS_AVAILABLE"
	ReasonNoPrekeysPublished ReasonCode = "NO_PREKEYS_PUBLISHED"
	ReasonOPKSecretMissing   ReasonCode = "OPK_SECRET_MISSING"
	ReasonDecryptFailed      ReasonCode = "DECRYPT_FAILED"
	ReasonImportFailed       ReasonCode = "IMPORT_FAILED"
	ReasonNetworkError       ReasonCode = "NETWORK_ERROR"
	ReasonServerRejected     ReasonCode = "SERVER_REJECTED"
	ReasonPoisonedKeyPackage ReasonCode = "POISONED_KEY_PACKAGE"
	ReasonTimeoutWaitingKey  ReasonCode = "TIMEOUT_WAITING_KEY"
	ReasonNoKeyPackage       ReasonCode = "NO_KEYPACKAGE"
)

const (
	DefaultBootstrapBudget = 120 * time.Second
	DefaultGraceWindow     = 12 * time.Second
	DefaultErrorTTL        = time.Hour
)

type (
	// KeyStore is the read side of the thread key store.
	KeyStore interface {
		HasKey(threadID string) bool
		Version() uint64
	}

	// Recovery asks the key-exchange layer to (re)deliver a thread key.
	// Calls are fire-and-forget; the implementation owns its own retries.
	Recovery interface {
		RequestKey(ctx context.Context, threadID, peerID string, isCreator bool) error
		RefreshAndRetry(ctx context.Context, threadID, peerID string, isCreator bool) error
		PullInboxOnce(ctx context.Context) error
	}

	ThreadView struct {
		ThreadID           string
		State              State
		ErrorCode          ReasonCode
		BootstrapStartedAt time.Time
	}

	BootstrapTimeoutError struct {
		ThreadID string
		Code     ReasonCode
	}
)

func (e *BootstrapTimeoutError) Error() string {
	return fmt.Sprintf("thread %s: key not delivered: %s", e.ThreadID, e.Code)
}

// Err returns a *BootstrapTimeoutError for an ERROR view and nil otherwise.
func (v ThreadView) Err() error {
	if v.State != StateError {
		return nil
	}
	return &BootstrapTimeoutError{ThreadID: v.ThreadID, Code: v.ErrorCode}
}
