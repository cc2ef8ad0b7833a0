package nonce

import (
	"strings"
	"time"

	"github.com/aptopilot/txengine/chain"
)

// State is the lifecycle state of a lease.
type State int

const (
	Reserved  State = iota // handed out, not yet settled
	Confirmed              // transaction accepted, kept as a floor until TTL
	Released               // transaction failed, only a floor remains
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Confirmed:
		return "confirmed"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Outcome is what the caller reports when giving a lease back.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeFailed {
		return "failed"
	}
	return "confirmed"
}

// Lease is a nonce reserved for one signer on one chain.
type Lease struct {
	SignerAddress string
	ChainID       chain.ID
	Nonce         uint64
	IssuedAt      time.Time
	State         State
}

type key struct {
	signer  string
	chainID chain.ID
}

func newKey(signer string, chainID chain.ID) key {
	// hex addresses are case-insensitive, base58 ones are not
	if strings.HasPrefix(signer, "0x") || strings.HasPrefix(signer, "0X") {
		signer = strings.ToLower(signer)
	}
	return key{signer: signer, chainID: chainID}
}

// entry is the cached state of a key. touched is reset on every transition so a
// release extends the floor for another TTL window.
type entry struct {
	lease   Lease
	touched time.Time
}

func (e *entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.touched) >= ttl
}

// floor returns the lowest nonce a new lease may take given this entry.
func (e *entry) floor() uint64 {
	if e.lease.State == Released {
		return e.lease.Nonce
	}
	return e.lease.Nonce + 1
}
