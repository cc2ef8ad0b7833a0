package txengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KyberNetwork/logger"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/idempotency"
	"github.com/aptopilot/txengine/monitor"
	"github.com/aptopilot/txengine/nonce"
	"github.com/aptopilot/txengine/notify"
	"github.com/aptopilot/txengine/signing"
)

// attemptState is what survives between attempts of one record. A retry
// clears the parts it has to redo; the next attempt fills in whatever is
// missing.
type attemptState struct {
	lease   *nonce.Lease
	offset  uint64
	quote   chain.FeeQuote
	quoted  bool
	payload chain.Payload
	signed  *chain.SignedPayload
}

func (e *Engine) execute(ctx context.Context, r *TxRequest, idem *idempotency.Record) (TransactionRecord, error) {
	if err := r.validate(); err != nil {
		return TransactionRecord{}, err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return TransactionRecord{}, ErrEngineClosed
	}
	network, err := e.networks.Get(r.chainID)
	if err != nil {
		return TransactionRecord{}, err
	}

	x := e.newExecution(ctx, r, network, idem)
	defer x.cancel()
	return e.drive(x)
}

func (e *Engine) newExecution(ctx context.Context, r *TxRequest, network chain.Network, idem *idempotency.Record) *execution {
	handle := r.handle
	if handle == "" {
		handle = r.signer
	}
	owner := r.owner
	if owner == "" {
		owner = r.signer
	}
	now := e.clock.Now()
	xctx, cancel := context.WithCancel(ctx)

	x := &execution{
		id:             e.newID(),
		e:              e,
		network:        network,
		signer:         r.signer,
		handle:         handle,
		owner:          owner,
		instruction:    r.instruction,
		maxAttempts:    r.maxAttempts,
		beforeSign:     r.beforeSignHook,
		afterBroadcast: r.afterBroadcastHook,
		onState:        r.stateChangeHook,
		ctx:            xctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		idem:           idem,
		inFlight:       e.metrics.Started(string(network.Descriptor.ID)),
		rec: TransactionRecord{
			ChainID:       network.Descriptor.ID,
			Owner:         owner,
			SignerAddress: r.signer,
			State:         StateBuilt,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
	x.rec.ID = x.id
	if x.maxAttempts <= 0 {
		x.maxAttempts = e.retry.MaxAttempts
	}

	e.mu.Lock()
	e.records[x.id] = x
	e.mu.Unlock()

	x.mu.Lock()
	x.publish(StateBuilt, x.rec.clone())
	x.mu.Unlock()
	x.settleIdempotency(idempotency.StatusPending, nil)

	logger.WithFields(logger.Fields{
		"record_id":    x.id,
		"chain_id":     network.Descriptor.ID,
		"signer":       r.signer,
		"owner":        owner,
		"max_attempts": x.maxAttempts,
	}).Debug("engine: record created")
	return x
}

// drive runs attempts until the network accepts the transaction or the record
// is aborted.
func (e *Engine) drive(x *execution) (TransactionRecord, error) {
	var (
		st       attemptState
		failures []AttemptFailure
	)
	chainID := x.network.Descriptor.ID

	for attempt := 1; ; attempt++ {
		if err := x.ctx.Err(); err != nil {
			return e.cancelled(x, &st, err, false)
		}
		x.update(func(rec *TransactionRecord) { rec.Attempts = attempt })

		hash, stage, err := e.attempt(x, &st)
		if cerr := x.ctx.Err(); cerr != nil {
			// aborted while the attempt was in flight, its result is discarded
			return e.cancelled(x, &st, cerr, err == nil)
		}
		if err == nil {
			return e.accepted(x, &st, hash)
		}

		kind := chain.KindOf(err)
		failures = append(failures, AttemptFailure{Attempt: attempt, Stage: stage, Kind: kind, Err: err})
		x.update(func(rec *TransactionRecord) {
			rec.LastError = err
			rec.Failures = append(rec.Failures, failures[len(failures)-1])
		})
		e.metrics.AttemptFailed(string(chainID), string(stage), kind.String())

		decision := Decide(kind, attempt, e.retry)
		logger.WithFields(logger.Fields{
			"record_id":      x.id,
			"chain_id":       chainID,
			"signer":         x.signer,
			"attempt":        attempt,
			"max_attempts":   x.maxAttempts,
			"stage":          stage,
			"classification": kind.String(),
			"action":         decision.Action.String(),
			"delay":          decision.Delay.String(),
			"error":          err,
		}).Warn("engine: attempt failed")

		if decision.Action == ActionAbort {
			return e.abort(x, &st, errors.Join(ErrNonRetryable, &AttemptsError{Failures: failures}))
		}
		if attempt >= x.maxAttempts {
			return e.abort(x, &st, errors.Join(ErrOutOfRetries, &AttemptsError{Failures: failures}))
		}

		e.prepareRetry(x, &st, decision, attempt)
		if !e.sleep(x.ctx, decision.Delay) {
			return e.cancelled(x, &st, x.ctx.Err(), false)
		}
	}
}

// attempt fills in whatever st is missing and broadcasts. It returns the stage
// that failed together with the error.
func (e *Engine) attempt(x *execution, st *attemptState) (string, Stage, error) {
	ctx := x.ctx
	d := x.network.Descriptor

	if st.lease == nil && d.AddressModel == chain.AccountNonce {
		l, err := e.leaseNonce(x, st.offset)
		if err != nil {
			return "", StageLease, err
		}
		st.lease = l
	}

	if !st.quoted {
		q, err := e.fees.Estimate(ctx, d.ID)
		if err != nil {
			return "", StageFee, chain.NewError(chain.KindRejected, "fee", err)
		}
		st.quote, st.quoted = q, true
		x.update(func(rec *TransactionRecord) { rec.FeeQuote = q.Copy() })
	}

	if st.payload == nil {
		params := chain.BuildParams{
			ChainID:     d.ID,
			From:        x.signer,
			Fee:         st.quote,
			Instruction: x.instruction,
		}
		if st.lease != nil {
			n := st.lease.Nonce
			params.Nonce = &n
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		p, err := x.network.Client.BuildPayload(callCtx, params)
		cancel()
		if err != nil {
			return "", StageBuild, err
		}
		st.payload = p
	}

	if st.signed == nil {
		if x.beforeSign != nil {
			if herr := x.beforeSign(x.snapshot(), st.payload); herr != nil {
				return "", StageSign, chain.NewError(chain.KindRejected, "before sign hook", errors.Join(ErrHookRejected, herr))
			}
		}
		signed, err := e.signer.Sign(ctx, signing.Request{
			Handle:         x.handle,
			Payload:        st.payload,
			ExpectedSigner: x.signer,
		})
		if err != nil {
			return "", StageSign, err
		}
		st.signed = &signed
		x.transition(StateSigned, func(rec *TransactionRecord) {
			cp := signed
			rec.SignedPayload = &cp
			rec.Hash = signed.Hash
		})
	}

	x.transition(StateSubmitted, nil)
	hash, err := e.broadcast(x, *st.signed)
	if x.afterBroadcast != nil {
		if herr := x.afterBroadcast(x.snapshot(), hash, err); herr != nil {
			if err != nil {
				return "", StageBroadcast, chain.NewError(chain.KindRejected, "after broadcast hook", errors.Join(ErrHookRejected, herr, err))
			}
			logger.WithFields(logger.Fields{
				"record_id": x.id,
				"tx_hash":   hash,
				"error":     herr,
			}).Warn("engine: after broadcast hook failed on an accepted transaction")
		}
	}
	if err != nil {
		return "", StageBroadcast, err
	}
	return hash, "", nil
}

// broadcast submits through the chain client and falls back to the relay when
// the network is unreachable.
func (e *Engine) broadcast(x *execution, signed chain.SignedPayload) (string, error) {
	chainID := x.network.Descriptor.ID

	callCtx, cancel := context.WithTimeout(x.ctx, e.callTimeout)
	hash, err := x.network.Client.Broadcast(callCtx, signed)
	cancel()
	if err == nil {
		if hash == "" {
			hash = signed.Hash
		}
		return hash, nil
	}
	if e.relay == nil || !chain.IsKind(err, chain.KindNetworkUnavailable) {
		return "", err
	}

	logger.WithFields(logger.Fields{
		"record_id": x.id,
		"chain_id":  chainID,
		"tx_hash":   signed.Hash,
		"error":     err,
	}).Info("engine: network unavailable, submitting through relay")

	callCtx, cancel = context.WithTimeout(x.ctx, e.callTimeout)
	defer cancel()
	hash, rerr := e.relay.Execute(callCtx, signed, chainID)
	if rerr != nil {
		return "", errors.Join(err, fmt.Errorf("relay: %w", rerr))
	}
	if hash == "" {
		hash = signed.Hash
	}
	return hash, nil
}

// prepareRetry clears what the next attempt has to redo.
func (e *Engine) prepareRetry(x *execution, st *attemptState, decision RetryDecision, attempt int) {
	switch decision.Action {
	case ActionRetryWithNewNonce:
		if st.lease != nil {
			e.releaseNonce(st.lease, nonce.OutcomeFailed)
			st.lease = nil
		}
		st.offset = uint64(attempt)
		st.payload, st.signed = nil, nil
		x.transition(StateBuilt, nil)
	case ActionRetryWithHigherFee:
		bumped, err := e.fees.Bump(st.quote)
		if err != nil {
			logger.WithFields(logger.Fields{
				"record_id": x.id,
				"chain_id":  st.quote.ChainID,
				"error":     err,
			}).Warn("engine: fee bump failed, keeping the previous quote")
		} else {
			st.quote = bumped
		}
		st.payload, st.signed = nil, nil
		x.transition(StateBuilt, func(rec *TransactionRecord) { rec.FeeQuote = st.quote.Copy() })
	}
}

// accepted moves the record to Pending and hands it to the monitor.
func (e *Engine) accepted(x *execution, st *attemptState, hash string) (TransactionRecord, error) {
	d := x.network.Descriptor
	ok := x.transition(StatePending, func(rec *TransactionRecord) {
		rec.Hash = hash
		rec.ExplorerLink = d.ExplorerLink(hash)
		rec.LastError = nil
	})
	if !ok {
		<-x.done
		return x.snapshot(), ErrAborted
	}
	x.endInFlight(true)
	x.settleIdempotency(idempotency.StatusSubmitted, nil)

	logger.WithFields(logger.Fields{
		"record_id": x.id,
		"chain_id":  d.ID,
		"signer":    x.signer,
		"tx_hash":   hash,
		"nonce":     nonceOf(st.lease),
	}).Info("engine: transaction accepted")

	w, err := e.monitor.Watch(context.WithoutCancel(x.ctx), monitor.Target{
		RecordID:   x.id,
		Owner:      x.owner,
		TxHash:     hash,
		ChainID:    d.ID,
		Claim:      x.claim,
		OnTerminal: func(r monitor.Result) { e.onMonitorResult(x, r) },
	})
	if err != nil {
		// nothing will ever poll this hash, report it as unresolved
		if x.claim() {
			e.conclude(x, StateUnknown, fmt.Errorf("monitoring unavailable: %w", err))
		}
		return x.snapshot(), nil
	}
	x.setWatch(w)
	if x.claimed.Load() {
		// aborted between acceptance and hand-off
		w.Stop()
	}
	return x.snapshot(), nil
}

func nonceOf(l *nonce.Lease) any {
	if l == nil {
		return nil
	}
	return l.Nonce
}

// onMonitorResult runs after the monitor claimed the record and before the
// notification goes out.
func (e *Engine) onMonitorResult(x *execution, r monitor.Result) {
	to := stateFromOutcome(r.Outcome)
	x.transition(to, func(rec *TransactionRecord) {
		rec.Reference = r.Status.Reference
		if r.ExplorerLink != "" {
			rec.ExplorerLink = r.ExplorerLink
		}
		rec.LastError = r.Err
	})

	snap := x.snapshot()
	if to == StateConfirmed || to == StateFailed {
		// included either way, the nonce is spent
		e.releaseNonce(snap.NonceLease, nonce.OutcomeConfirmed)
	}
	if to == StateConfirmed {
		x.settleIdempotency(idempotency.StatusConfirmed, nil)
	} else {
		x.settleIdempotency(idempotency.StatusFailed, r.Err)
	}
	e.metrics.Outcome(string(snap.ChainID), string(r.Outcome))
	x.markDone()
}

// abort concludes a record whose attempts are exhausted or hit a permanent
// failure.
func (e *Engine) abort(x *execution, st *attemptState, cause error) (TransactionRecord, error) {
	e.releaseNonce(st.lease, nonce.OutcomeFailed)
	x.endInFlight(false)
	if !x.claim() {
		<-x.done
		return x.snapshot(), ErrAborted
	}
	e.conclude(x, StateAborted, cause)
	return x.snapshot(), cause
}

// cancelled handles a record whose context ended before acceptance. When the
// caller's context ended the record is concluded here; after Abort it
// already is.
func (e *Engine) cancelled(x *execution, st *attemptState, cause error, accepted bool) (TransactionRecord, error) {
	outcome := nonce.OutcomeFailed
	if accepted {
		outcome = nonce.OutcomeConfirmed
	}
	e.releaseNonce(st.lease, outcome)
	x.endInFlight(false)

	err := errors.Join(ErrAborted, cause)
	if x.claim() {
		e.conclude(x, StateAborted, err)
	} else {
		// Abort holds the claim; wait for it to finish concluding
		<-x.done
	}
	return x.snapshot(), err
}

// conclude moves a claimed record into a terminal state and notifies the
// owner. Only the holder of the claim may call it.
func (e *Engine) conclude(x *execution, to State, cause error) {
	x.transition(to, func(rec *TransactionRecord) { rec.LastError = cause })
	snap := x.snapshot()
	x.settleIdempotency(idempotency.StatusFailed, cause)
	e.metrics.Outcome(string(snap.ChainID), string(to.outcome()))

	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()
	n := notify.Notification{
		RecordID: snap.ID,
		Owner:    snap.Owner,
		TxHash:   snap.Hash,
		ChainID:  snap.ChainID,
		Outcome:  to.outcome(),
		Err:      cause,
	}
	if snap.Hash != "" {
		n.ExplorerLink = x.network.Descriptor.ExplorerLink(snap.Hash)
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		logger.WithFields(logger.Fields{
			"record_id": snap.ID,
			"outcome":   n.Outcome,
			"error":     err,
		}).Error("engine: failed to deliver notification")
	}
	x.markDone()
}

// sleep waits d on the engine clock. It returns false when ctx ends first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := e.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
