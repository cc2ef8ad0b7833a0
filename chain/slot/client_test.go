package slot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/testutil"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcHandler func(params []json.RawMessage) (any, *rpcError)

type rpcServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]rpcHandler
	status   int
	calls    map[string]int
}

func newRPCServer(t *testing.T) *rpcServer {
	t.Helper()
	s := &rpcServer{handlers: make(map[string]rpcHandler), calls: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.calls[req.Method]++
		status := s.status
		h := s.handlers[req.Method]
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if h == nil {
			resp["error"] = rpcError{Code: -32601, Message: "method not found"}
		} else if result, rerr := h(req.Params); rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *rpcServer) handle(method string, h rpcHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *rpcServer) setStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func newTestClient(t *testing.T) (*Client, *rpcServer) {
	t.Helper()
	srv := newRPCServer(t)
	c, err := Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, srv
}

var freshBlockhash = bytes.Repeat([]byte{7}, keySize)

// compiledMessage returns a legacy message with the test key as fee payer and
// a zero blockhash.
func compiledMessage() []byte {
	payer := testutil.TestEd25519Key.Public().(ed25519.PublicKey)
	msg := []byte{1, 0, 1}
	msg = append(msg, encodeShortVec(2)...)
	msg = append(msg, payer...)
	msg = append(msg, bytes.Repeat([]byte{9}, keySize)...)
	msg = append(msg, make([]byte, keySize)...)
	msg = append(msg, encodeShortVec(0)...)
	return msg
}

func serveBlockhash(srv *rpcServer) {
	srv.handle("getLatestBlockhash", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{
			"context": map[string]any{"slot": 1},
			"value": map[string]any{
				"blockhash":            base58.Encode(freshBlockhash),
				"lastValidBlockHeight": 150,
			},
		}, nil
	})
}

func TestShortVec(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 300, 16383, 16384} {
		enc := encodeShortVec(n)
		got, size, err := decodeShortVec(enc)
		require.NoError(t, err)
		assert.Equal(t, n, got)
		assert.Equal(t, len(enc), size)
	}
	_, _, err := decodeShortVec([]byte{0x80})
	assert.ErrorIs(t, err, ErrShortVec)
}

func TestWithBlockhash(t *testing.T) {
	msg := compiledMessage()

	out, err := withBlockhash(msg, freshBlockhash)
	require.NoError(t, err)
	l, err := parseLayout(out)
	require.NoError(t, err)
	assert.Equal(t, freshBlockhash, out[l.blockhashOffset:l.blockhashOffset+keySize])
	assert.Equal(t, make([]byte, keySize), msg[l.blockhashOffset:l.blockhashOffset+keySize], "input untouched")

	versioned := append([]byte{versionPrefix}, msg...)
	out, err = withBlockhash(versioned, freshBlockhash)
	require.NoError(t, err)
	assert.Equal(t, freshBlockhash, out[1+l.blockhashOffset:1+l.blockhashOffset+keySize])

	_, err = withBlockhash(msg[:20], freshBlockhash)
	assert.ErrorIs(t, err, ErrMessageTooShort)
}

func TestBuildSignBroadcast(t *testing.T) {
	c, srv := newTestClient(t)
	serveBlockhash(srv)

	received := make(chan []byte, 1)
	srv.handle("sendTransaction", func(params []json.RawMessage) (any, *rpcError) {
		var encoded string
		_ = json.Unmarshal(params[0], &encoded)
		raw, _ := base64.StdEncoding.DecodeString(encoded)
		received <- raw
		return base58.Encode(raw[1:65]), nil
	})

	ins := chain.Instruction{Message: compiledMessage()}
	raw, err := c.BuildPayload(context.Background(), chain.BuildParams{ChainID: testutil.SolanaID, Instruction: ins})
	require.NoError(t, err)
	p := raw.(*Payload)
	assert.Equal(t, chain.TypeSlot, p.ChainType())
	assert.Equal(t, base58.Encode(freshBlockhash), p.Blockhash())

	msg, err := p.SigningBytes()
	require.NoError(t, err)
	sig := ed25519.Sign(testutil.TestEd25519Key, msg)

	signed, err := p.Attach(sig)
	require.NoError(t, err)
	assert.Equal(t, base58.Encode(sig), signed.Hash)
	assert.Equal(t, byte(1), signed.Raw[0])

	sender, err := p.Sender(signed)
	require.NoError(t, err)
	assert.Equal(t, base58.Encode(testutil.TestEd25519Key.Public().(ed25519.PublicKey)), sender)

	// a complete transaction is accepted as well
	again, err := p.Attach(signed.Raw)
	require.NoError(t, err)
	assert.Equal(t, signed, again)

	hash, err := c.Broadcast(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, hash)
	assert.Equal(t, signed.Raw, <-received)
}

func TestAttachRejectsGarbage(t *testing.T) {
	p := NewPayload(compiledMessage(), "")
	_, err := p.Attach([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrSignatureLength)

	signed, err := p.Attach(make([]byte, signatureSize))
	require.NoError(t, err)
	_, err = p.Sender(signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestBuildPayloadRequiresMessage(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.BuildPayload(context.Background(), chain.BuildParams{ChainID: testutil.SolanaID})
	assert.True(t, chain.IsKind(err, chain.KindRejected))
}

func TestBroadcastErrors(t *testing.T) {
	signed := chain.SignedPayload{ChainType: chain.TypeSlot, Raw: []byte{1, 2, 3}, Hash: "sig"}

	tests := []struct {
		name     string
		err      *rpcError
		wantKind chain.Kind
		wantErr  bool
	}{
		{"stale blockhash", &rpcError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}, chain.KindNonceConflict, true},
		{"insufficient funds", &rpcError{Code: -32002, Message: "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit."}, chain.KindInsufficientFunds, true},
		{"throttled", &rpcError{Code: 429, Message: "Too many requests for a specific RPC call"}, chain.KindRateLimited, true},
		{"already processed", &rpcError{Code: -32002, Message: "Transaction simulation failed: This transaction has already been processed"}, chain.KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(t)
			srv.handle("sendTransaction", func([]json.RawMessage) (any, *rpcError) { return nil, tt.err })

			hash, err := c.Broadcast(context.Background(), signed)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "sig", hash)
				return
			}
			assert.Equal(t, tt.wantKind, chain.KindOf(err))
		})
	}

	t.Run("http 429", func(t *testing.T) {
		c, srv := newTestClient(t)
		srv.setStatus(http.StatusTooManyRequests)
		_, err := c.Broadcast(context.Background(), signed)
		assert.Equal(t, chain.KindRateLimited, chain.KindOf(err))
	})

	t.Run("http 503", func(t *testing.T) {
		c, srv := newTestClient(t)
		srv.setStatus(http.StatusServiceUnavailable)
		_, err := c.Broadcast(context.Background(), signed)
		assert.Equal(t, chain.KindNetworkUnavailable, chain.KindOf(err))
	})
}

func TestTxStatus(t *testing.T) {
	c, srv := newTestClient(t)

	tests := []struct {
		name   string
		status any
		want   chain.TxState
	}{
		{"unknown signature", nil, chain.TxNotFound},
		{"processed", map[string]any{"slot": 5, "err": nil, "confirmationStatus": "processed"}, chain.TxPending},
		{"confirmed", map[string]any{"slot": 5, "err": nil, "confirmationStatus": "confirmed"}, chain.TxConfirmed},
		{"finalized", map[string]any{"slot": 5, "err": nil, "confirmationStatus": "finalized"}, chain.TxConfirmed},
		{"failed", map[string]any{"slot": 5, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "confirmed"}, chain.TxFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.handle("getSignatureStatuses", func([]json.RawMessage) (any, *rpcError) {
				return map[string]any{"context": map[string]any{"slot": 10}, "value": []any{tt.status}}, nil
			})
			st, err := c.TxStatus(context.Background(), "sig")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.State)
			if tt.want != chain.TxNotFound {
				assert.Equal(t, "slot 5", st.Reference)
			}
		})
	}
}

func TestFeeSignal(t *testing.T) {
	c, srv := newTestClient(t)
	srv.handle("getRecentPrioritizationFees", func([]json.RawMessage) (any, *rpcError) {
		return []map[string]any{
			{"slot": 1, "prioritizationFee": 0},
			{"slot": 2, "prioritizationFee": 500},
			{"slot": 3, "prioritizationFee": 100},
		}, nil
	})

	s, err := c.FeeSignal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100", s.PriorityFee.String())
	assert.Equal(t, "5000", s.BaseFee.String())
}
