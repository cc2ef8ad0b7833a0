package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/aptopilot/txengine/chain"
)

// Watch is a running or finished polling task.
type Watch struct {
	target  Target
	network chain.Network
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	result   Result
	finished bool
	endedAt  time.Time
}

// Done is closed once the watch stops polling.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Result returns the outcome once the watch has finished.
func (w *Watch) Result() (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result, w.finished
}

// Stop cancels polling. Any status query in flight completes but its answer is
// ignored. Stopping a finished watch is a no-op.
func (w *Watch) Stop() { w.cancel() }

// Target returns what is being watched. Once the watch has finished its
// callbacks are cleared.
func (w *Watch) Target() Target {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}

// finish records r and drops the target's callbacks so the watch no longer
// pins its owner. Only the polling goroutine calls it.
func (w *Watch) finish(r Result, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	w.result = r
	w.finished = true
	w.endedAt = at
	w.target.Claim = nil
	w.target.OnTerminal = nil
}

func (w *Watch) isFinished() bool {
	_, ok := w.finishedAt()
	return ok
}

func (w *Watch) finishedAt() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endedAt, w.finished
}
