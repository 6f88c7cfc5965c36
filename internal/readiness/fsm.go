package readiness

import "time"

type phase int

const (
	phaseAbsent phase = iota
	phaseWaiting
	phaseGrace
	phaseReady
	phaseError
)

func (p phase) state() State {
	switch p {
	case phaseWaiting, phaseGrace:
		return StateBootstrapping
	case phaseReady:
		return StateReady
	case phaseError:
		return StateError
	default:
		return StateNone
	}
}

type event int

const (
	evObserve event = iota
	evKeyChanged
	evBudgetElapsed
	evGraceElapsed
	evRetry
)

func (e event) String() string {
	switch e {
	case evObserve:
		return "observe"
	case evKeyChanged:
		return "key_changed"
	case evBudgetElapsed:
		return "budget_elapsed"
	case evGraceElapsed:
		return "grace_elapsed"
	case evRetry:
		return "retry"
	default:
		return "unknown"
	}
}

type effect uint16

const (
	effScheduleBudget effect = 1 << iota
	effScheduleGrace
	effCancelTimer
	effRequestKey
	effCorrectiveRetry
	effClearError
	effPersistError
	effNotifyReady
)

func (e effect) has(f effect) bool { return e&f != 0 }

type (
	record struct {
		phase              phase
		peerID             string
		isCreator          bool
		bootstrapStartedAt time.Time
		errorCode          ReasonCode
	}

	// facts are everything transition reads from outside the record.
	facts struct {
		now         time.Time
		hasKey      bool
		errorCached bool
		reason      ReasonCode
	}
)

// transition is the single place thread state changes. It is pure: the
// machine applies the returned effects.
func transition(rec record, ev event, f facts) (record, effect) {
	if f.hasKey {
		if rec.phase == phaseReady {
			return rec, 0
		}
		rec.phase = phaseReady
		rec.bootstrapStartedAt = time.Time{}
		rec.errorCode = ""
		return rec, effCancelTimer | effClearError | effNotifyReady
	}

	switch ev {
	case evObserve:
		switch rec.phase {
		case phaseAbsent, phaseReady:
			return bootstrap(rec, f.now), effScheduleBudget | effRequestKey
		case phaseError:
			if f.errorCached {
				return rec, 0
			}
			return bootstrap(rec, f.now), effScheduleBudget | effRequestKey
		}

	case evKeyChanged:
		if rec.phase == phaseError {
			return bootstrap(rec, f.now), effClearError | effScheduleBudget | effRequestKey
		}

	case evBudgetElapsed:
		if rec.phase == phaseWaiting {
			rec.phase = phaseGrace
			return rec, effScheduleGrace | effCorrectiveRetry
		}

	case evGraceElapsed:
		if rec.phase == phaseGrace {
			rec.phase = phaseError
			rec.errorCode = f.reason
			return rec, effPersistError
		}

	case evRetry:
		if rec.phase != phaseAbsent {
			return bootstrap(rec, f.now), effCancelTimer | effClearError | effScheduleBudget | effCorrectiveRetry
		}
		return bootstrap(rec, f.now), effScheduleBudget | effCorrectiveRetry
	}
	return rec, 0
}

func bootstrap(rec record, now time.Time) record {
	rec.phase = phaseWaiting
	rec.bootstrapStartedAt = now
	rec.errorCode = ""
	return rec
}
