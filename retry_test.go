package txengine

import (
	"testing"
	"time"

	"github.com/aptopilot/txengine/chain"
)

func TestDecide(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name    string
		kind    chain.Kind
		attempt int
		action  Action
		delay   time.Duration
	}{
		{"nonce conflict first", chain.KindNonceConflict, 1, ActionRetryWithNewNonce, 3 * time.Second},
		{"nonce conflict capped", chain.KindNonceConflict, 9, ActionRetryWithNewNonce, 15 * time.Second},
		{"underpriced", chain.KindFeeUnderpriced, 2, ActionRetryWithHigherFee, 4 * time.Second},
		{"underpriced capped", chain.KindFeeUnderpriced, 6, ActionRetryWithHigherFee, 10 * time.Second},
		{"rate limited", chain.KindRateLimited, 3, ActionBackoff, 6 * time.Second},
		{"network first", chain.KindNetworkUnavailable, 1, ActionBackoff, time.Second},
		{"network third", chain.KindNetworkUnavailable, 3, ActionBackoff, 4 * time.Second},
		{"timeout capped", chain.KindTimeout, 10, ActionBackoff, 10 * time.Second},
		{"unknown", chain.KindUnknown, 2, ActionBackoff, 2 * time.Second},
		{"insufficient funds", chain.KindInsufficientFunds, 1, ActionAbort, 0},
		{"signer unavailable", chain.KindSignerUnavailable, 1, ActionAbort, 0},
		{"rejected", chain.KindRejected, 2, ActionAbort, 0},
		{"attempt zero treated as first", chain.KindRateLimited, 0, ActionBackoff, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.kind, tt.attempt, p)
			if d.Classification != tt.kind {
				t.Errorf("Classification = %v, want %v", d.Classification, tt.kind)
			}
			if d.Action != tt.action {
				t.Errorf("Action = %v, want %v", d.Action, tt.action)
			}
			if d.Delay != tt.delay {
				t.Errorf("Delay = %v, want %v", d.Delay, tt.delay)
			}
		})
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, FeeStep: time.Millisecond}.withDefaults()
	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.FeeStep != time.Millisecond {
		t.Errorf("FeeStep = %v, want 1ms", p.FeeStep)
	}
	if p.NonceConflictMax != 15*time.Second {
		t.Errorf("NonceConflictMax = %v, want 15s", p.NonceConflictMax)
	}

	if got := (RetryPolicy{}).withDefaults(); got != DefaultRetryPolicy() {
		t.Errorf("zero policy = %+v, want defaults", got)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateBuilt, StateSigned, true},
		{StateSigned, StateSubmitted, true},
		{StateSubmitted, StatePending, true},
		{StatePending, StateConfirmed, true},
		{StatePending, StateUnknown, true},
		{StateBuilt, StateAborted, true},
		{StateSubmitted, StateBuilt, true},
		{StateSigned, StateBuilt, true},
		{StatePending, StateBuilt, false},
		{StateSubmitted, StateSigned, false},
		{StateSubmitted, StateSubmitted, false},
		{StateConfirmed, StateFailed, false},
		{StateAborted, StateBuilt, false},
		{StateUnknown, StateConfirmed, false},
	}
	for _, tt := range tests {
		if got := tt.from.canMoveTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %t, want %t", tt.from, tt.to, got, tt.want)
		}
	}
}
