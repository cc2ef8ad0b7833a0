package evm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/aptopilot/txengine/chain"
)

var (
	ErrNonceRequired   = errors.New("account chain payload requires a nonce")
	ErrInvalidAddress  = errors.New("invalid hex address")
	ErrSignatureLength = errors.New("signature must be 65 bytes or a signed transaction envelope")
	ErrPayloadMismatch = errors.New("signed transaction does not match the unsigned payload")
)

// rpc error codes some providers use for throttling
const (
	codeLimitExceeded = -32005
	codeRateLimited   = 429
)

var (
	// "nonce too high" is left out: a gap closes on its own, the same nonce is retried
	nonceConflictMsgs = []string{"nonce too low", "nonce has already been used", "invalid nonce"}
	underpricedMsgs   = []string{
		"replacement transaction underpriced",
		"transaction underpriced",
		"max fee per gas less than block base fee",
		"fee cap less than block base fee",
		"gas price too low",
		"tip too low",
	}
	insufficientMsgs = []string{"insufficient funds", "insufficient balance"}
	rateLimitMsgs    = []string{"rate limit", "too many requests", "exceeded the quota", "capacity exceeded"}
	networkMsgs      = []string{"connection refused", "connection reset", "no such host", "eof", "bad gateway", "service unavailable"}
	rejectedMsgs     = []string{"execution reverted", "intrinsic gas too low", "gas limit reached", "exceeds block gas limit"}
	knownMsgs        = []string{"already known", "known transaction", "alreadyknown"}
)

func containsAny(msg string, subs []string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isAlreadyKnown reports whether a broadcast failed only because the node
// already has the transaction.
func isAlreadyKnown(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), knownMsgs)
}

// classify converts a raw node error into a *chain.Error. It is the only place
// node error messages are inspected.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *chain.Error
	if errors.As(err, &ce) {
		return err
	}
	return chain.NewError(kindOf(err), op, err)
}

func kindOf(err error) chain.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return chain.KindTimeout
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return chain.KindRateLimited
		case httpErr.StatusCode >= http.StatusInternalServerError:
			return chain.KindNetworkUnavailable
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeLimitExceeded, codeRateLimited:
			return chain.KindRateLimited
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, nonceConflictMsgs):
		return chain.KindNonceConflict
	case containsAny(msg, underpricedMsgs):
		return chain.KindFeeUnderpriced
	case containsAny(msg, insufficientMsgs):
		return chain.KindInsufficientFunds
	case containsAny(msg, rateLimitMsgs):
		return chain.KindRateLimited
	case containsAny(msg, rejectedMsgs):
		return chain.KindRejected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return chain.KindTimeout
		}
		return chain.KindNetworkUnavailable
	}
	if containsAny(msg, networkMsgs) {
		return chain.KindNetworkUnavailable
	}
	return chain.KindUnknown
}
