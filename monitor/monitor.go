// Package monitor tracks submitted transactions until the network reports a
// terminal outcome or the polling budget runs out.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/benbjohnson/clock"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/notify"
)

var (
	ErrEmptyHash      = fmt.Errorf("transaction hash cannot be empty")
	ErrMonitorClosed  = fmt.Errorf("monitor closed")
	ErrNoStatusSource = fmt.Errorf("no status source answered")
)

// StatusLookup is the primary status source, typically an indexer or the relay
// that executed the transaction.
type StatusLookup interface {
	Status(ctx context.Context, hash string, chainID chain.ID) (chain.TxStatus, error)
}

// StatusLookupFunc adapts a function to StatusLookup.
type StatusLookupFunc func(ctx context.Context, hash string, chainID chain.ID) (chain.TxStatus, error)

func (f StatusLookupFunc) Status(ctx context.Context, hash string, chainID chain.ID) (chain.TxStatus, error) {
	return f(ctx, hash, chainID)
}

// RelayLookup reads statuses from a relay's receipts. A receipt the relay does
// not have yet reads as pending.
func RelayLookup(r chain.Relay) StatusLookup {
	return StatusLookupFunc(func(ctx context.Context, hash string, chainID chain.ID) (chain.TxStatus, error) {
		st, err := r.FetchReceipt(ctx, hash, chainID)
		if err != nil {
			return chain.TxStatus{}, err
		}
		if st == nil {
			return chain.TxStatus{State: chain.TxPending}, nil
		}
		return *st, nil
	})
}

// NetworkResolver returns the registered network of a chain. *chain.Registry
// implements it.
type NetworkResolver interface {
	Get(id chain.ID) (chain.Network, error)
}

// Target is a submitted transaction to watch.
type Target struct {
	RecordID string
	Owner    string
	TxHash   string
	ChainID  chain.ID

	// Claim is asked once before a terminal outcome is acted upon. Returning
	// false discards the outcome: no notification, no OnTerminal.
	Claim func() bool

	// OnTerminal runs before the notification is sent.
	OnTerminal func(Result)
}

// Result is the terminal outcome of a watch.
type Result struct {
	TxHash       string
	ChainID      chain.ID
	Outcome      notify.Outcome
	Status       chain.TxStatus
	Attempts     int
	ExplorerLink string
	Err          error
}

type Option func(*Monitor)

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithPolicy(p Policy) Option {
	return func(m *Monitor) { m.policy = p.withDefaults() }
}

// WithRetention sets how long a finished watch stays visible to Watch and
// Lookup before it is released.
func WithRetention(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithStatusLookup sets the primary status source. Without one, only the
// chain client is queried.
func WithStatusLookup(l StatusLookup) Option {
	return func(m *Monitor) { m.lookup = l }
}

// Monitor runs one polling task per watched transaction.
type Monitor struct {
	networks NetworkResolver
	notifier notify.Notifier
	lookup   StatusLookup
	clock    clock.Clock
	policy   Policy

	// retention bounds how long finished watches are kept
	retention time.Duration

	mu      sync.Mutex
	watches map[watchKey]*Watch
	closed  bool
	wg      sync.WaitGroup
}

type watchKey struct {
	chainID chain.ID
	hash    string
}

// New creates a monitor. A nil notifier falls back to notify.LogNotifier.
func New(networks NetworkResolver, notifier notify.Notifier, opts ...Option) *Monitor {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	m := &Monitor{
		networks: networks,
		notifier: notifier,
		clock:    clock.New(),
		policy:    DefaultPolicy(),
		retention: DefaultRetention,
		watches:   make(map[watchKey]*Watch),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the effective polling policy.
func (m *Monitor) Policy() Policy { return m.policy }

// DefaultRetention is how long a finished watch is kept by default.
const DefaultRetention = 10 * time.Minute

// Watch starts tracking t and returns immediately. Watching a hash that is
// already tracked, active or finished within the retention window, returns
// the existing watch.
func (m *Monitor) Watch(ctx context.Context, t Target) (*Watch, error) {
	if t.TxHash == "" {
		return nil, ErrEmptyHash
	}
	network, err := m.networks.Get(t.ChainID)
	if err != nil {
		return nil, err
	}

	k := watchKey{chainID: t.ChainID, hash: t.TxHash}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMonitorClosed
	}
	m.pruneLocked()
	if w, ok := m.watches[k]; ok {
		logger.WithFields(logger.Fields{
			"tx_hash":  t.TxHash,
			"chain_id": t.ChainID,
		}).Debug("monitor: already watching")
		return w, nil
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &Watch{
		target:  t,
		network: network,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.watches[k] = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(wctx, w)
	}()
	go func() {
		// the caller's ctx only bounds the hand-off, cancelling it stops polling
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()

	logger.WithFields(logger.Fields{
		"record_id":     t.RecordID,
		"tx_hash":       t.TxHash,
		"chain_id":      t.ChainID,
		"initial_delay": m.policy.InitialDelay.String(),
	}).Debug("monitor: watch scheduled")
	return w, nil
}

// Lookup returns the watch of a hash, if any.
func (m *Monitor) Lookup(chainID chain.ID, hash string) (*Watch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[watchKey{chainID: chainID, hash: hash}]
	return w, ok
}

// Forget releases the finished watch of a hash. An active watch is kept.
func (m *Monitor) Forget(chainID chain.ID, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := watchKey{chainID: chainID, hash: hash}
	if w, ok := m.watches[k]; ok && w.isFinished() {
		delete(m.watches, k)
	}
}

// pruneLocked drops watches finished longer than the retention window ago.
// Callers hold m.mu.
func (m *Monitor) pruneLocked() {
	now := m.clock.Now()
	for k, w := range m.watches {
		if at, ok := w.finishedAt(); ok && now.Sub(at) >= m.retention {
			delete(m.watches, k)
		}
	}
}

// Close stops every active watch and waits for them to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	watches := make([]*Watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()

	for _, w := range watches {
		w.Stop()
	}
	m.wg.Wait()
}

// sleep waits d on the monitor clock. It returns false when ctx ends first.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := m.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Monitor) run(ctx context.Context, w *Watch) {
	defer close(w.done)
	defer w.cancel()

	t := w.target
	p := m.policy
	wait := p.InitialDelay
	interval := p.Interval
	failures := 0

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if !m.sleep(ctx, wait) {
			m.stopped(w, attempt-1)
			return
		}

		st, err := m.poll(ctx, w)
		if ctx.Err() != nil {
			// stopped while the query was in flight, the answer is discarded
			m.stopped(w, attempt)
			return
		}
		switch {
		case err != nil:
			failures++
			if failures >= p.FailureThreshold {
				interval = min(interval*2, p.MaxInterval)
			}
			logger.WithFields(logger.Fields{
				"tx_hash":              t.TxHash,
				"chain_id":             t.ChainID,
				"attempt":              attempt,
				"consecutive_failures": failures,
				"next_interval":        interval.String(),
				"error":                err,
			}).Warn("monitor: status unavailable from every source")
		case st.State.Terminal():
			m.terminate(w, st, attempt, nil)
			return
		default:
			failures = 0
			interval = p.Interval
			logger.WithFields(logger.Fields{
				"tx_hash":  t.TxHash,
				"chain_id": t.ChainID,
				"attempt":  attempt,
				"state":    st.State.String(),
			}).Debug("monitor: not final yet")
		}
		wait = interval
	}

	m.terminate(w, chain.TxStatus{State: chain.TxPending}, p.MaxAttempts,
		fmt.Errorf("no final status after %d checks", p.MaxAttempts))
}

func (m *Monitor) stopped(w *Watch, attempts int) {
	t := w.target
	w.finish(Result{
		TxHash:   t.TxHash,
		ChainID:  t.ChainID,
		Outcome:  notify.OutcomeAborted,
		Attempts: attempts,
		Err:      context.Canceled,
	}, m.clock.Now())
	logger.WithFields(logger.Fields{
		"tx_hash":  t.TxHash,
		"chain_id": t.ChainID,
		"attempt":  attempts,
	}).Debug("monitor: watch stopped")
}

// poll asks the primary source, then the chain client. A stopped watch does
// not fall through to the chain.
func (m *Monitor) poll(ctx context.Context, w *Watch) (chain.TxStatus, error) {
	t := w.target
	var errs []error

	if m.lookup != nil {
		callCtx, cancel := context.WithTimeout(ctx, m.policy.CallTimeout)
		st, err := m.lookup.Status(callCtx, t.TxHash, t.ChainID)
		cancel()
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil {
			return chain.TxStatus{}, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("status lookup: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, m.policy.CallTimeout)
	st, err := w.network.Client.TxStatus(callCtx, t.TxHash)
	cancel()
	if err == nil {
		return st, nil
	}
	errs = append(errs, fmt.Errorf("chain receipt: %w", err))

	return chain.TxStatus{}, errors.Join(append([]error{ErrNoStatusSource}, errs...)...)
}

func (m *Monitor) terminate(w *Watch, st chain.TxStatus, attempts int, err error) {
	t := w.target
	r := Result{
		TxHash:       t.TxHash,
		ChainID:      t.ChainID,
		Status:       st,
		Attempts:     attempts,
		ExplorerLink: w.network.Descriptor.ExplorerLink(t.TxHash),
		Err:          err,
	}
	switch st.State {
	case chain.TxConfirmed:
		r.Outcome = notify.OutcomeConfirmed
	case chain.TxFailed:
		r.Outcome = notify.OutcomeFailed
		if st.Reason != "" {
			r.Err = errors.New(st.Reason)
		}
	default:
		r.Outcome = notify.OutcomeUnknown
	}
	w.finish(r, m.clock.Now())

	fields := logger.Fields{
		"record_id": t.RecordID,
		"tx_hash":   t.TxHash,
		"chain_id":  t.ChainID,
		"outcome":   r.Outcome,
		"reference": st.Reference,
		"attempts":  attempts,
	}
	if t.Claim != nil && !t.Claim() {
		logger.WithFields(fields).Debug("monitor: outcome already claimed, discarded")
		return
	}
	logger.WithFields(fields).Info("monitor: transaction final")

	if t.OnTerminal != nil {
		t.OnTerminal(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.policy.CallTimeout)
	defer cancel()
	if nerr := m.notifier.Notify(ctx, notify.Notification{
		RecordID:     t.RecordID,
		Owner:        t.Owner,
		TxHash:       t.TxHash,
		ChainID:      t.ChainID,
		Outcome:      r.Outcome,
		Reference:    st.Reference,
		ExplorerLink: r.ExplorerLink,
		Err:          r.Err,
	}); nerr != nil {
		logger.WithFields(logger.Fields{
			"record_id": t.RecordID,
			"tx_hash":   t.TxHash,
			"error":     nerr,
		}).Error("monitor: failed to deliver notification")
	}
}
