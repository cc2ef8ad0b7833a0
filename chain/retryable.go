package chain

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// retryableClient retries read calls that failed with a transient
// classification. Broadcast is passed through untouched: submission retries are
// owned by the lifecycle engine.
type retryableClient struct {
	wrapped Client

	attempts retry.Option
	delay    retry.Option
}

var _ Client = (*retryableClient)(nil)

// retryableNonceClient is a retryableClient over a client that also reports nonces.
type retryableNonceClient struct {
	*retryableClient
	nonces NonceSource
}

var _ NonceSource = (*retryableNonceClient)(nil)

// NewRetryableClient wraps c so reads are retried up to attempts times on
// NetworkUnavailable and RateLimited errors. The result implements NonceSource
// whenever c does.
func NewRetryableClient(attempts uint, delay time.Duration, c Client) Client {
	rc := &retryableClient{
		wrapped:  c,
		attempts: retry.Attempts(attempts),
		delay:    retry.Delay(delay),
	}
	if ns, ok := c.(NonceSource); ok {
		return &retryableNonceClient{retryableClient: rc, nonces: ns}
	}
	return rc
}

func transient(err error) bool {
	switch KindOf(err) {
	case KindNetworkUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

func (r *retryableClient) options(ctx context.Context) []retry.Option {
	return []retry.Option{
		r.attempts,
		r.delay,
		retry.Context(ctx),
		retry.RetryIf(transient),
		retry.LastErrorOnly(true),
	}
}

func (r *retryableClient) FeeSignal(ctx context.Context) (FeeSignal, error) {
	return retry.DoWithData(func() (FeeSignal, error) {
		return r.wrapped.FeeSignal(ctx)
	}, r.options(ctx)...)
}

func (r *retryableClient) BuildPayload(ctx context.Context, params BuildParams) (Payload, error) {
	return retry.DoWithData(func() (Payload, error) {
		return r.wrapped.BuildPayload(ctx, params)
	}, r.options(ctx)...)
}

func (r *retryableClient) Broadcast(ctx context.Context, signed SignedPayload) (string, error) {
	return r.wrapped.Broadcast(ctx, signed)
}

func (r *retryableClient) TxStatus(ctx context.Context, hash string) (TxStatus, error) {
	return retry.DoWithData(func() (TxStatus, error) {
		return r.wrapped.TxStatus(ctx, hash)
	}, r.options(ctx)...)
}

func (r *retryableNonceClient) ConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	return retry.DoWithData(func() (uint64, error) {
		return r.nonces.ConfirmedNonce(ctx, address)
	}, r.options(ctx)...)
}

func (r *retryableNonceClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return retry.DoWithData(func() (uint64, error) {
		return r.nonces.PendingNonce(ctx, address)
	}, r.options(ctx)...)
}
