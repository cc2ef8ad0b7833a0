package slot

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/aptopilot/txengine/chain"
)

const codeRateLimited = 429

var (
	staleBlockhashMsgs = []string{"blockhash not found", "block height exceeded", "transaction expired"}
	insufficientMsgs   = []string{"insufficient funds", "insufficient lamports", "attempt to debit an account but found no record of a prior credit"}
	rateLimitMsgs      = []string{"too many requests", "rate limit"}
	processedMsgs      = []string{"already been processed", "alreadyprocessed"}
	rejectedMsgs       = []string{"signature verification failure", "invalid transaction", "custom program error"}
)

func containsAny(msg string, subs []string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isAlreadyProcessed(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), processedMsgs)
}

// classify converts a raw RPC error into a *chain.Error. A stale blockhash is
// reported as a nonce conflict: the payload has to be rebuilt.
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
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeRateLimited {
		return chain.KindRateLimited
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, staleBlockhashMsgs):
		return chain.KindNonceConflict
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
	return chain.KindUnknown
}
