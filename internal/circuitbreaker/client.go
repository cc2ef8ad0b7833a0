package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/KyberNetwork/logger"

	"github.com/aptopilot/txengine/chain"
)

// ErrOpen is wrapped into the NetworkUnavailable error returned while a
// circuit rejects calls.
var ErrOpen = fmt.Errorf("circuit breaker open")

// tripping reports whether err says something about the endpoint's health.
// Rejections of a specific transaction do not count.
func tripping(err error) bool {
	switch chain.KindOf(err) {
	case chain.KindNetworkUnavailable, chain.KindTimeout:
		return true
	default:
		return false
	}
}

type guardedClient struct {
	id      chain.ID
	wrapped chain.Client
	cb      *CircuitBreaker
}

type guardedNonceClient struct {
	*guardedClient
	nonces chain.NonceSource
}

var (
	_ chain.Client      = (*guardedClient)(nil)
	_ chain.NonceSource = (*guardedNonceClient)(nil)
)

// Guard routes every call to c through cb. The result implements
// chain.NonceSource whenever c does.
func Guard(id chain.ID, c chain.Client, cb *CircuitBreaker) chain.Client {
	g := &guardedClient{id: id, wrapped: c, cb: cb}
	if ns, ok := c.(chain.NonceSource); ok {
		return &guardedNonceClient{guardedClient: g, nonces: ns}
	}
	return g
}

func call[T any](g *guardedClient, op string, fn func() (T, error)) (T, error) {
	var zero T
	if !g.cb.Allow() {
		logger.WithFields(logger.Fields{
			"chain_id": g.id,
			"op":       op,
		}).Debug("circuit breaker: call rejected")
		return zero, chain.NewError(chain.KindNetworkUnavailable, op, fmt.Errorf("%w for chain %s", ErrOpen, g.id))
	}
	v, err := fn()
	if err != nil && tripping(err) {
		g.cb.RecordFailure()
		return v, err
	}
	g.cb.RecordSuccess()
	return v, err
}

func (g *guardedClient) FeeSignal(ctx context.Context) (chain.FeeSignal, error) {
	return call(g, "fee signal", func() (chain.FeeSignal, error) { return g.wrapped.FeeSignal(ctx) })
}

func (g *guardedClient) BuildPayload(ctx context.Context, params chain.BuildParams) (chain.Payload, error) {
	return call(g, "build payload", func() (chain.Payload, error) { return g.wrapped.BuildPayload(ctx, params) })
}

func (g *guardedClient) Broadcast(ctx context.Context, signed chain.SignedPayload) (string, error) {
	return call(g, "broadcast", func() (string, error) { return g.wrapped.Broadcast(ctx, signed) })
}

func (g *guardedClient) TxStatus(ctx context.Context, hash string) (chain.TxStatus, error) {
	return call(g, "tx status", func() (chain.TxStatus, error) { return g.wrapped.TxStatus(ctx, hash) })
}

func (g *guardedNonceClient) ConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	return call(g.guardedClient, "confirmed nonce", func() (uint64, error) { return g.nonces.ConfirmedNonce(ctx, address) })
}

func (g *guardedNonceClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return call(g.guardedClient, "pending nonce", func() (uint64, error) { return g.nonces.PendingNonce(ctx, address) })
}
