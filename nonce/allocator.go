// Package nonce issues per-(signer, chain) nonces that stay unique across
// concurrent callers until the network catches up with them.
package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/aptopilot/txengine/chain"
)

const (
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultCallTimeout   = 15 * time.Second
)

// SourceResolver returns the nonce source for a chain. *chain.Registry
// implements it.
type SourceResolver interface {
	NonceSource(id chain.ID) (chain.NonceSource, error)
}

// Option configures an Allocator.
type Option func(*Allocator)

func WithClock(c clock.Clock) Option {
	return func(a *Allocator) { a.clock = c }
}

func WithTTL(ttl time.Duration) Option {
	return func(a *Allocator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.sweepInterval = d
		}
	}
}

// WithCallTimeout bounds each pair of chain nonce queries.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// Allocator hands out nonce leases. Every key in use has its own lock; the
// chain queries run outside it so slow nodes never block other keys.
type Allocator struct {
	sources SourceResolver
	clock   clock.Clock

	ttl           time.Duration
	sweepInterval time.Duration
	callTimeout   time.Duration

	entries sync.Map // map[key]*entry

	// locks holds a mutex per key only while someone uses it
	locksMu sync.Mutex
	locks   map[key]*keyLock

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewAllocator creates an allocator reading chain state through sources.
func NewAllocator(sources SourceResolver, opts ...Option) *Allocator {
	a := &Allocator{
		sources:       sources,
		clock:         clock.New(),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		callTimeout:   DefaultCallTimeout,
		locks:         make(map[key]*keyLock),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex of k. The returned func releases it and drops the
// mutex once no other caller holds or waits for it.
func (a *Allocator) lock(k key) (unlock func()) {
	a.locksMu.Lock()
	l, ok := a.locks[k]
	if !ok {
		l = &keyLock{}
		a.locks[k] = l
	}
	l.refs++
	a.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, k)
		}
		a.locksMu.Unlock()
	}
}

func (a *Allocator) lockedKeys() int {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	return len(a.locks)
}

// chainState reads the confirmed and pending nonce counts concurrently.
func (a *Allocator) chainState(ctx context.Context, src chain.NonceSource, signer string) (confirmed, pending uint64, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := src.ConfirmedNonce(gctx, signer)
		if err != nil {
			return fmt.Errorf("confirmed nonce: %w", err)
		}
		confirmed = n
		return nil
	})
	g.Go(func() error {
		n, err := src.PendingNonce(gctx, signer)
		if err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}
		pending = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, 0, chain.NewError(chain.KindNetworkUnavailable, "nonce lease", err)
	}
	return confirmed, pending, nil
}

// Lease reserves the next nonce for signer on chainID, shifted by offset.
//
// The result is max(confirmed, pending) from the chain, raised to one past any
// live lease of the same key (or to the nonce of a failed one), plus offset.
func (a *Allocator) Lease(ctx context.Context, signer string, chainID chain.ID, offset uint64) (Lease, error) {
	if signer == "" {
		return Lease{}, ErrEmptySigner
	}
	src, err := a.sources.NonceSource(chainID)
	if err != nil {
		return Lease{}, err
	}

	confirmed, pending, err := a.chainState(ctx, src, signer)
	if err != nil {
		logger.WithFields(logger.Fields{
			"signer":   signer,
			"chain_id": chainID,
			"error":    err,
		}).Warn("nonce lease: chain query failed")
		return Lease{}, err
	}

	k := newKey(signer, chainID)
	defer a.lock(k)()

	if confirmed > pending {
		logger.WithFields(logger.Fields{
			"signer":          signer,
			"chain_id":        chainID,
			"confirmed_nonce": confirmed,
			"pending_nonce":   pending,
		}).Warn("nonce lease: abnormal state - confirmed > pending")
	}

	candidate := max(confirmed, pending)
	decision := "chain"

	now := a.clock.Now()
	if raw, ok := a.entries.Load(k); ok {
		e := raw.(*entry)
		if e.expired(now, a.ttl) {
			a.entries.Delete(k)
			decision = "chain, cached lease expired"
		} else if f := e.floor(); f > candidate {
			candidate = f
			decision = "cached " + e.lease.State.String() + " lease"
		}
	}

	l := Lease{
		SignerAddress: signer,
		ChainID:       chainID,
		Nonce:         candidate + offset,
		IssuedAt:      now,
		State:         Reserved,
	}
	a.entries.Store(k, &entry{lease: l, touched: now})

	logger.WithFields(logger.Fields{
		"signer":          signer,
		"chain_id":        chainID,
		"nonce":           l.Nonce,
		"offset":          offset,
		"confirmed_nonce": confirmed,
		"pending_nonce":   pending,
		"decision":        decision,
	}).Debug("nonce lease: reserved")

	return l, nil
}

// Release settles a lease. Only the tip of a key can be released; releases of
// older nonces are ignored.
func (a *Allocator) Release(signer string, chainID chain.ID, n uint64, outcome Outcome) {
	k := newKey(signer, chainID)
	defer a.lock(k)()

	raw, ok := a.entries.Load(k)
	if !ok {
		logger.WithFields(logger.Fields{
			"signer":   signer,
			"chain_id": chainID,
			"nonce":    n,
		}).Debug("nonce release: no lease tracked, nothing to release")
		return
	}
	e := raw.(*entry)
	if e.lease.Nonce != n || e.lease.State != Reserved {
		logger.WithFields(logger.Fields{
			"signer":        signer,
			"chain_id":      chainID,
			"nonce":         n,
			"current_nonce": e.lease.Nonce,
			"current_state": e.lease.State.String(),
		}).Debug("nonce release: skipped - not the reserved tip")
		return
	}

	next := *e
	next.touched = a.clock.Now()
	switch outcome {
	case OutcomeConfirmed:
		next.lease.State = Confirmed
	default:
		next.lease.State = Released
	}
	a.entries.Store(k, &next)

	logger.WithFields(logger.Fields{
		"signer":   signer,
		"chain_id": chainID,
		"nonce":    n,
		"outcome":  outcome.String(),
	}).Debug("nonce release: settled")
}

// Peek returns the cached lease of a key, if any unexpired one exists.
func (a *Allocator) Peek(signer string, chainID chain.ID) (Lease, bool) {
	raw, ok := a.entries.Load(newKey(signer, chainID))
	if !ok {
		return Lease{}, false
	}
	e := raw.(*entry)
	if e.expired(a.clock.Now(), a.ttl) {
		return Lease{}, false
	}
	return e.lease, true
}

// Sweep purges every entry older than the TTL and returns how many it removed.
func (a *Allocator) Sweep() int {
	now := a.clock.Now()
	removed := 0
	a.entries.Range(func(rk, _ any) bool {
		k := rk.(key)
		unlock := a.lock(k)
		if raw, ok := a.entries.Load(k); ok && raw.(*entry).expired(now, a.ttl) {
			a.entries.Delete(k)
			removed++
		}
		unlock()
		return true
	})
	if removed > 0 {
		logger.WithFields(logger.Fields{"removed": removed}).Debug("nonce sweep: purged expired leases")
	}
	return removed
}

// Start launches the background sweep. Calling Start on a running allocator is
// a no-op.
func (a *Allocator) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.stopped {
		return ErrAllocatorStopped
	}
	if a.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	ticker := a.clock.Ticker(a.sweepInterval)
	go func() {
		defer close(a.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sweep()
			}
		}
	}()
	return nil
}

// Stop ends the background sweep and waits for it to exit.
func (a *Allocator) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	a.stopped = true
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil
}
