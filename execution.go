package txengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KyberNetwork/logger"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/idempotency"
	"github.com/aptopilot/txengine/monitor"
)

// execution is the live state of one record. The record itself is guarded by
// mu; claimed decides who reports the terminal outcome.
type execution struct {
	id      string
	e       *Engine
	network chain.Network

	signer      string
	handle      string
	owner       string
	instruction chain.Instruction
	maxAttempts int

	beforeSign     BeforeSignHook
	afterBroadcast AfterBroadcastHook
	onState        StateChangeHook

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rec   TransactionRecord
	watch *monitor.Watch

	claimed  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	// inFlight ends the in-flight gauge; called once
	inFlight     func(submitted bool, elapsed time.Duration)
	inFlightOnce sync.Once

	idemMu sync.Mutex
	idem   *idempotency.Record
}

func (x *execution) snapshot() TransactionRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rec.clone()
}

// claim reports whether the caller is the one to conclude the record.
func (x *execution) claim() bool {
	return x.claimed.CompareAndSwap(false, true)
}

func (x *execution) markDone() {
	x.doneOnce.Do(func() { close(x.done) })
}

func (x *execution) endInFlight(submitted bool) {
	x.inFlightOnce.Do(func() {
		x.mu.Lock()
		created := x.rec.CreatedAt
		x.mu.Unlock()
		x.inFlight(submitted, x.e.clock.Since(created))
	})
}

func (x *execution) setWatch(w *monitor.Watch) {
	x.mu.Lock()
	x.watch = w
	x.mu.Unlock()
}

func (x *execution) stopWatch() {
	x.mu.Lock()
	w := x.watch
	x.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// update changes record fields without a state transition.
func (x *execution) update(mutate func(*TransactionRecord)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	mutate(&x.rec)
	x.rec.UpdatedAt = x.e.clock.Now()
}

// transition moves the record to state to. It reports false, changing
// nothing, when the move is not allowed. Observers run under the record lock
// so they see transitions in order.
func (x *execution) transition(to State, mutate func(*TransactionRecord)) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	from := x.rec.State
	if !from.canMoveTo(to) {
		logger.WithFields(logger.Fields{
			"record_id": x.id,
			"from":      from.String(),
			"to":        to.String(),
		}).Debug("engine: transition refused")
		return false
	}
	if mutate != nil {
		mutate(&x.rec)
	}
	x.rec.State = to
	x.rec.UpdatedAt = x.e.clock.Now()

	x.publish(from, x.rec.clone())
	return true
}

// publish hands a snapshot to the sink, the metrics and the hooks. from equal
// to the snapshot state marks the creation of the record, which is not a
// transition for the hooks.
func (x *execution) publish(from State, snap TransactionRecord) {
	x.e.metrics.Transition(string(snap.ChainID), snap.State.String())

	if sink := x.e.sink; sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), x.e.callTimeout)
		if err := sink.Save(ctx, snap); err != nil {
			logger.WithFields(logger.Fields{
				"record_id": snap.ID,
				"state":     snap.State.String(),
				"error":     err,
			}).Warn("engine: record sink failed")
		}
		cancel()
	}

	if from == snap.State {
		return
	}
	if x.e.stateHook != nil {
		x.e.stateHook(snap, from, snap.State)
	}
	if x.onState != nil {
		x.onState(snap, from, snap.State)
	}
}

// settleIdempotency mirrors the record into its idempotency entry. Finished
// entries are never overwritten.
func (x *execution) settleIdempotency(status idempotency.Status, err error) {
	if x.idem == nil || x.e.idempotency == nil {
		return
	}
	x.idemMu.Lock()
	defer x.idemMu.Unlock()
	if x.idem.Status.Finished() {
		return
	}

	snap := x.snapshot()
	x.idem.Status = status
	x.idem.RecordID = snap.ID
	x.idem.ChainID = snap.ChainID
	x.idem.TxHash = snap.Hash
	x.idem.Error = err

	ctx, cancel := context.WithTimeout(context.Background(), x.e.callTimeout)
	defer cancel()
	// Best effort update - don't fail the transaction if update fails
	if uerr := x.e.idempotency.Update(ctx, x.idem); uerr != nil {
		logger.WithFields(logger.Fields{
			"record_id":       snap.ID,
			"idempotency_key": x.idem.Key,
			"status":          status.String(),
			"error":           uerr,
		}).Warn("engine: failed to update idempotency record")
	}
}
