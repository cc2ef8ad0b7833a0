package txengine

import (
	"time"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/nonce"
	"github.com/aptopilot/txengine/notify"
)

// Constants for transaction execution
const (
	DefaultMaxAttempts = 3
	DefaultCallTimeout = 15 * time.Second
)

// State is the lifecycle state of a transaction record.
type State int

const (
	StateBuilt State = iota
	StateSigned
	StateSubmitted
	StatePending
	StateConfirmed
	StateFailed
	StateAborted
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateSigned:
		return "signed"
	case StateSubmitted:
		return "submitted"
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	case StateUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateAborted, StateUnknown:
		return true
	default:
		return false
	}
}

// canMoveTo reports whether from -> to is allowed. States only move forward;
// the one exception is Submitted or Signed back to Built when a retry rebuilds
// the payload.
func (s State) canMoveTo(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateBuilt {
		return s == StateSigned || s == StateSubmitted
	}
	return to > s
}

// outcome maps a terminal state onto the notification outcome.
func (s State) outcome() notify.Outcome {
	switch s {
	case StateConfirmed:
		return notify.OutcomeConfirmed
	case StateFailed:
		return notify.OutcomeFailed
	case StateAborted:
		return notify.OutcomeAborted
	default:
		return notify.OutcomeUnknown
	}
}

func stateFromOutcome(o notify.Outcome) State {
	switch o {
	case notify.OutcomeConfirmed:
		return StateConfirmed
	case notify.OutcomeFailed:
		return StateFailed
	case notify.OutcomeAborted:
		return StateAborted
	default:
		return StateUnknown
	}
}

// Stage names the step of an attempt that failed.
type Stage string

const (
	StageLease     Stage = "lease"
	StageFee       Stage = "fee"
	StageBuild     Stage = "build"
	StageSign      Stage = "sign"
	StageBroadcast Stage = "broadcast"
)

// AttemptFailure describes one failed attempt.
type AttemptFailure struct {
	Attempt int
	Stage   Stage
	Kind    chain.Kind
	Err     error
}

// TransactionRecord tracks one transaction through its lifecycle. Records
// handed out by the engine are snapshots.
type TransactionRecord struct {
	ID            string
	ChainID       chain.ID
	Owner         string
	SignerAddress string

	// NonceLease is nil on slot-based chains.
	NonceLease    *nonce.Lease
	FeeQuote      chain.FeeQuote
	SignedPayload *chain.SignedPayload
	Hash          string

	State     State
	Attempts  int
	LastError error
	Failures  []AttemptFailure

	// Reference is the inclusion point reported by the monitor.
	Reference    string
	ExplorerLink string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r TransactionRecord) clone() TransactionRecord {
	out := r
	if r.NonceLease != nil {
		l := *r.NonceLease
		out.NonceLease = &l
	}
	out.FeeQuote = r.FeeQuote.Copy()
	if r.SignedPayload != nil {
		sp := *r.SignedPayload
		sp.Raw = append([]byte(nil), r.SignedPayload.Raw...)
		out.SignedPayload = &sp
	}
	out.Failures = append([]AttemptFailure(nil), r.Failures...)
	return out
}
