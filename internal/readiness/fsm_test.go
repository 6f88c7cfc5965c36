package readiness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	now := time.Unix(1000, 0)
	waiting := record{phase: phaseWaiting, bootstrapStartedAt: now.Add(-time.Second)}
	grace := record{phase: phaseGrace, bootstrapStartedAt: now.Add(-2 * time.Minute)}
	errored := record{phase: phaseError, errorCode: ReasonNetworkError}

	tests := []struct {
		name  string
		rec   record
		ev    event
		f     facts
		phase phase
		eff   effect
	}{
		{"observe absent", record{}, evObserve, facts{now: now}, phaseWaiting, effScheduleBudget | effRequestKey},
		{"observe with key", record{}, evObserve, facts{now: now, hasKey: true}, phaseReady, effCancelTimer | effClearError | effNotifyReady},
		{"observe ready with key", record{phase: phaseReady}, evObserve, facts{hasKey: true}, phaseReady, 0},
		{"observe waiting", waiting, evObserve, facts{now: now}, phaseWaiting, 0},
		{"observe fresh error", errored, evObserve, facts{now: now, errorCached: true}, phaseError, 0},
		{"observe expired error", errored, evObserve, facts{now: now}, phaseWaiting, effScheduleBudget | effRequestKey},
		{"budget elapsed", waiting, evBudgetElapsed, facts{now: now}, phaseGrace, effScheduleGrace | effCorrectiveRetry},
		{"stale budget", grace, evBudgetElapsed, facts{now: now}, phaseGrace, 0},
		{"grace elapsed", grace, evGraceElapsed, facts{now: now, reason: ReasonNoKeyPackage}, phaseError, effPersistError},
		{"grace elapsed with key", grace, evGraceElapsed, facts{now: now, hasKey: true}, phaseReady, effCancelTimer | effClearError | effNotifyReady},
		{"key change while waiting", waiting, evKeyChanged, facts{now: now}, phaseWaiting, 0},
		{"key change in error", errored, evKeyChanged, facts{now: now}, phaseWaiting, effClearError | effScheduleBudget | effRequestKey},
		{"retry error", errored, evRetry, facts{now: now}, phaseWaiting, effCancelTimer | effClearError | effScheduleBudget | effCorrectiveRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, eff := transition(tt.rec, tt.ev, tt.f)
			assert.Equal(t, tt.phase, next.phase)
			assert.Equal(t, tt.eff, eff)
		})
	}
}

func TestTransitionSetsAndClearsFields(t *testing.T) {
	now := time.Unix(1000, 0)

	next, _ := transition(record{}, evObserve, facts{now: now})
	assert.Equal(t, now, next.bootstrapStartedAt)

	next, _ = transition(record{phase: phaseGrace, bootstrapStartedAt: now}, evGraceElapsed, facts{now: now, reason: ReasonDecryptFailed})
	assert.Equal(t, ReasonDecryptFailed, next.errorCode)

	next, _ = transition(next, evKeyChanged, facts{now: now, hasKey: true})
	assert.True(t, next.bootstrapStartedAt.IsZero())
	assert.Empty(t, next.errorCode)
}
