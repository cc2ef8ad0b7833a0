package txengine

import (
	"github.com/aptopilot/txengine/chain"
)

// BeforeSignHook is called with the unsigned payload right before it goes to
// custody. Returning an error aborts the record without retrying.
type BeforeSignHook func(rec TransactionRecord, payload chain.Payload) error

// AfterBroadcastHook is called after every broadcast with the hash on success
// or the classified error on failure. Returning an error aborts the record
// unless the payload was already accepted, in which case the error is only
// logged.
type AfterBroadcastHook func(rec TransactionRecord, hash string, err error) error

// StateChangeHook observes every state transition of a record, including the
// final one. It must not call back into the engine.
type StateChangeHook func(rec TransactionRecord, from, to State)
