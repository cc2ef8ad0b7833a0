// Package txengine turns already-computed transfer and swap instructions into
// submitted and confirmed transactions on account-nonce and slot-based
// networks. Signing is delegated to a remote custody service; the engine never
// holds key material.
package txengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/fee"
	"github.com/aptopilot/txengine/idempotency"
	"github.com/aptopilot/txengine/internal/circuitbreaker"
	"github.com/aptopilot/txengine/internal/metrics"
	"github.com/aptopilot/txengine/monitor"
	"github.com/aptopilot/txengine/nonce"
	"github.com/aptopilot/txengine/notify"
	"github.com/aptopilot/txengine/signing"
)

// CircuitBreakerConfig enables a circuit breaker in front of every chain
// client. Zero fields take the breaker defaults.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// Engine drives transaction records from construction to a terminal outcome.
// Every collaborator is injected; an Engine holds no global state and several
// can run side by side.
type Engine struct {
	networks  *chain.Registry
	custodian signing.Custodian
	signer    *signing.Adapter
	nonces    *nonce.Allocator
	fees      *fee.Estimator
	monitor   *monitor.Monitor
	notifier  notify.Notifier
	relay     chain.Relay
	lookup    monitor.StatusLookup
	sink      RecordSink
	metrics   *metrics.Metrics
	clock     clock.Clock

	idempotency     idempotency.Store
	idempotencyTTL  time.Duration
	ownsIdempotency bool
	ownsNonces      bool

	retry         RetryPolicy
	monitorPolicy *monitor.Policy
	callTimeout   time.Duration
	feeConfigs    map[chain.ID]fee.Config
	stateHook     StateChangeHook

	breakerConfig  *CircuitBreakerConfig
	breakers       map[chain.ID]*circuitbreaker.CircuitBreaker
	readRetries    uint
	readRetryDelay time.Duration
	registerer     prometheus.Registerer

	mu      sync.Mutex
	records map[string]*execution
	closed  bool

	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets where terminal outcomes are delivered. Defaults to
// notify.LogNotifier.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRelay enables the relay as a fallback submission path and, unless a
// status lookup is set, as the primary status source.
func WithRelay(r chain.Relay) Option {
	return func(e *Engine) { e.relay = r }
}

// WithStatusLookup sets the primary status source of the monitor.
func WithStatusLookup(l monitor.StatusLookup) Option {
	return func(e *Engine) { e.lookup = l }
}

// WithIdempotencyStore sets a custom idempotency store
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(e *Engine) {
		e.idempotency = store
		e.ownsIdempotency = false
	}
}

// WithDefaultIdempotencyStore sets up an in-memory idempotency store with the given TTL
func WithDefaultIdempotencyStore(ttl time.Duration) Option {
	return func(e *Engine) {
		e.idempotency = nil
		e.ownsIdempotency = true
		e.idempotencyTTL = ttl
	}
}

// WithRecordSink mirrors every record transition into sink.
func WithRecordSink(sink RecordSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics registers the engine's Prometheus instruments with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithClock sets the clock shared by the engine and the services it creates.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

func WithMonitorPolicy(p monitor.Policy) Option {
	return func(e *Engine) { e.monitorPolicy = &p }
}

// WithCallTimeout bounds every chain, custody and notification call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithNonceAllocator shares an allocator between engines. The engine does not
// start or stop it.
func WithNonceAllocator(a *nonce.Allocator) Option {
	return func(e *Engine) { e.nonces = a }
}

// WithFeeEstimator shares an estimator between engines.
func WithFeeEstimator(est *fee.Estimator) Option {
	return func(e *Engine) { e.fees = est }
}

// WithFeeConfigs sets the fee bounds per chain for the estimator the engine
// creates. Registered chains without an entry get an unbounded config of their
// fee model.
func WithFeeConfigs(configs map[chain.ID]fee.Config) Option {
	return func(e *Engine) { e.feeConfigs = configs }
}

// WithCircuitBreaker guards every chain client with its own circuit breaker.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(e *Engine) { e.breakerConfig = &cfg }
}

// WithReadRetries retries fee, build and status reads on transient failures.
// Broadcasts are never retried at this level.
func WithReadRetries(attempts uint, delay time.Duration) Option {
	return func(e *Engine) {
		e.readRetries = attempts
		e.readRetryDelay = delay
	}
}

// WithStateChangeHook observes the transitions of every record.
func WithStateChangeHook(h StateChangeHook) Option {
	return func(e *Engine) { e.stateHook = h }
}

// New creates an engine serving the chains of registry and signing through
// custodian. Chains registered after New are not visible to the engine.
func New(registry *chain.Registry, custodian signing.Custodian, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, ErrNoRegistry
	}
	if custodian == nil {
		return nil, ErrNoCustodian
	}

	e := &Engine{
		custodian:   custodian,
		clock:       clock.New(),
		retry:       DefaultRetryPolicy(),
		callTimeout: DefaultCallTimeout,
		breakers:    make(map[chain.ID]*circuitbreaker.CircuitBreaker),
		records:     make(map[string]*execution),
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retry = e.retry.withDefaults()
	if e.notifier == nil {
		e.notifier = notify.LogNotifier{}
	}

	networks, err := e.wrapNetworks(registry)
	if err != nil {
		return nil, err
	}
	e.networks = networks

	if e.registerer != nil {
		if e.metrics, err = metrics.New(e.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if e.fees == nil {
		configs := make(map[chain.ID]fee.Config)
		for _, d := range networks.Descriptors() {
			cfg, ok := e.feeConfigs[d.ID]
			if !ok {
				cfg = fee.Config{Model: d.FeeModel}
			}
			configs[d.ID] = cfg
		}
		e.fees, err = fee.NewEstimator(networks, configs,
			fee.WithClock(e.clock),
			fee.WithCallTimeout(e.callTimeout),
		)
		if err != nil {
			return nil, err
		}
	}

	if e.nonces == nil {
		e.nonces = nonce.NewAllocator(networks,
			nonce.WithClock(e.clock),
			nonce.WithCallTimeout(e.callTimeout),
		)
		e.ownsNonces = true
		if err := e.nonces.Start(context.Background()); err != nil {
			return nil, err
		}
	}

	if e.ownsIdempotency {
		e.idempotency = idempotency.NewInMemoryStore(e.idempotencyTTL, idempotency.WithClock(e.clock))
	}

	e.signer = signing.NewAdapter(e.custodian, signing.WithTimeout(e.callTimeout))

	lookup := e.lookup
	if lookup == nil && e.relay != nil {
		lookup = monitor.RelayLookup(e.relay)
	}
	monitorOpts := []monitor.Option{monitor.WithClock(e.clock)}
	if e.monitorPolicy != nil {
		monitorOpts = append(monitorOpts, monitor.WithPolicy(*e.monitorPolicy))
	}
	if lookup != nil {
		monitorOpts = append(monitorOpts, monitor.WithStatusLookup(lookup))
	}
	e.monitor = monitor.New(networks, e.notifier, monitorOpts...)

	logger.WithFields(logger.Fields{
		"chains":          len(networks.Descriptors()),
		"max_attempts":    e.retry.MaxAttempts,
		"call_timeout":    e.callTimeout.String(),
		"relay":           e.relay != nil,
		"circuit_breaker": e.breakerConfig != nil,
	}).Info("engine: started")

	return e, nil
}

// wrapNetworks builds the engine's own view of registry with read retries and
// circuit breakers applied to every client.
func (e *Engine) wrapNetworks(registry *chain.Registry) (*chain.Registry, error) {
	if e.breakerConfig == nil && e.readRetries == 0 {
		return registry, nil
	}
	out := chain.NewRegistry()
	for _, d := range registry.Descriptors() {
		n, err := registry.Get(d.ID)
		if err != nil {
			return nil, err
		}
		c := n.Client
		if e.readRetries > 0 {
			c = chain.NewRetryableClient(e.readRetries, e.readRetryDelay, c)
		}
		if e.breakerConfig != nil {
			id := d.ID
			cb := circuitbreaker.New(circuitbreaker.Config{
				FailureThreshold: e.breakerConfig.FailureThreshold,
				SuccessThreshold: e.breakerConfig.SuccessThreshold,
				Timeout:          e.breakerConfig.Timeout,
				Clock:            e.clock,
				OnStateChange: func(from, to circuitbreaker.State) {
					logger.WithFields(logger.Fields{
						"chain_id": id,
						"from":     from.String(),
						"to":       to.String(),
					}).Warn("engine: circuit breaker state changed")
				},
			})
			e.breakers[id] = cb
			c = circuitbreaker.Guard(id, c, cb)
		}
		if err := out.Register(d, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CircuitBreakerStats returns the breaker statistics of a chain. The second
// result is false when breakers are disabled or the chain is unknown.
func (e *Engine) CircuitBreakerStats(chainID chain.ID) (circuitbreaker.Stats, bool) {
	cb, ok := e.breakers[chainID]
	if !ok {
		return circuitbreaker.Stats{}, false
	}
	return cb.Stats(), true
}

// ResetCircuitBreaker closes the breaker of a chain.
func (e *Engine) ResetCircuitBreaker(chainID chain.ID) {
	if cb, ok := e.breakers[chainID]; ok {
		cb.Reset()
	}
}

// IdempotencyStore returns the configured store, or nil.
func (e *Engine) IdempotencyStore() idempotency.Store {
	return e.idempotency
}

// Nonces returns the allocator the engine leases from.
func (e *Engine) Nonces() *nonce.Allocator { return e.nonces }

// Fees returns the estimator the engine quotes from.
func (e *Engine) Fees() *fee.Estimator { return e.fees }

// Networks returns the engine's view of the registered chains.
func (e *Engine) Networks() *chain.Registry { return e.networks }

func (e *Engine) lookupRecord(id string) (*execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, ok := e.records[id]
	return x, ok
}

// Record returns a snapshot of the record with the given id.
func (e *Engine) Record(id string) (TransactionRecord, error) {
	x, ok := e.lookupRecord(id)
	if !ok {
		return TransactionRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return x.snapshot(), nil
}

// Wait blocks until the record reaches a terminal state or ctx ends, and
// returns its latest snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (TransactionRecord, error) {
	x, ok := e.lookupRecord(id)
	if !ok {
		return TransactionRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	select {
	case <-x.done:
		return x.snapshot(), nil
	case <-ctx.Done():
		return x.snapshot(), ctx.Err()
	}
}

// Abort cancels a record. Retries and polling stop, results still in flight
// are discarded and the owner receives a single Aborted notification.
func (e *Engine) Abort(id string) error {
	x, ok := e.lookupRecord(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if !x.claim() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinal, id, x.snapshot().State)
	}

	cause := fmt.Errorf("%w: cancelled by caller", ErrAborted)
	x.stopWatch()
	x.cancel()
	e.conclude(x, StateAborted, cause)

	logger.WithFields(logger.Fields{
		"record_id": id,
		"chain_id":  x.network.Descriptor.ID,
		"signer":    x.signer,
	}).Info("engine: record aborted")
	return nil
}

// Close stops all monitoring and the background services the engine created.
// Records that are not terminal yet stay as they are.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.monitor.Close()
	if e.ownsNonces {
		e.nonces.Stop()
	}
	if s, ok := e.idempotency.(*idempotency.InMemoryStore); ok && e.ownsIdempotency {
		s.Stop()
	}
}

// Forget drops a terminal record and its finished watch from memory.
// Idempotency entries are kept.
func (e *Engine) Forget(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, ok := e.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	select {
	case <-x.done:
	default:
		return fmt.Errorf("record %s is still in flight", id)
	}
	delete(e.records, id)

	x.mu.Lock()
	w := x.watch
	x.mu.Unlock()
	if w != nil {
		t := w.Target()
		e.monitor.Forget(t.ChainID, t.TxHash)
	}
	return nil
}
