package syncer

import (
	"time"

	"github.com/agentworkforce/kbsync/internal/state"
)

type Phase int

const (
	PhaseNew Phase = iota
	PhaseUploaded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUploaded:
		return "uploaded"
	case PhaseFailed:
		return "failed"
	default:
		return "new"
	}
}

type Action int

const (
	ActionUpload Action = iota
	ActionRetry
	ActionSkipUnchanged
	ActionSkipMaxRetries
	ActionSkipTooSoon
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSkipUnchanged:
		return "unchanged"
	case ActionSkipMaxRetries:
		return "max retries reached"
	case ActionSkipTooSoon:
		return "too soon"
	default:
		return "upload"
	}
}

func (a Action) Skip() bool {
	return a == ActionSkipUnchanged || a == ActionSkipMaxRetries || a == ActionSkipTooSoon
}

type Policy struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

type Decision struct {
	Phase  Phase
	Action Action
}

// PhaseOf maps a stored record onto the retry state machine. A nil record,
// or one with an unrecognized status, is new.
func PhaseOf(rec *state.FileRecord) Phase {
	if rec == nil {
		return PhaseNew
	}
	switch rec.Status {
	case state.StatusUploaded:
		return PhaseUploaded
	case state.StatusFailed:
		return PhaseFailed
	default:
		return PhaseNew
	}
}

// Decide is the per-file transition. It performs no I/O.
func Decide(rec *state.FileRecord, hash string, now time.Time, p Policy) Decision {
	phase := PhaseOf(rec)
	switch phase {
	case PhaseUploaded:
		if rec.Hash == hash {
			return Decision{Phase: phase, Action: ActionSkipUnchanged}
		}
		return Decision{Phase: phase, Action: ActionUpload}
	case PhaseFailed:
		if rec.RetryCount >= p.MaxAttempts {
			return Decision{Phase: phase, Action: ActionSkipMaxRetries}
		}
		if !rec.LastAttempt.IsZero() && now.Sub(rec.LastAttempt.Time) < p.RetryDelay {
			return Decision{Phase: phase, Action: ActionSkipTooSoon}
		}
		return Decision{Phase: phase, Action: ActionRetry}
	default:
		return Decision{Phase: phase, Action: ActionUpload}
	}
}

// failureCount is the retry_count stored after a failed attempt.
func failureCount(rec *state.FileRecord) int {
	if PhaseOf(rec) == PhaseFailed {
		return rec.RetryCount + 1
	}
	return 1
}
