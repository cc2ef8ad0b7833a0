package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aptopilot/txengine/chain"
)

// ============================================================
// Mock Chain Implementations
// ============================================================

// MockChainClient is a scriptable chain.Client and chain.NonceSource.
// Broadcast errors and statuses are consumed in order; once the broadcast
// script is empty every broadcast succeeds, and the last status repeats.
type MockChainClient struct {
	mu sync.Mutex

	ChainType chain.Type

	Confirmed uint64
	Pending   uint64
	NonceErr  error

	Signal chain.FeeSignal
	FeeErr error

	BuildErr error

	broadcastErrs []error
	statuses      []chain.TxStatus
	StatusErr     error

	built       []chain.BuildParams
	broadcasted []chain.SignedPayload
	calls       map[string]int
}

// NewMockChainClient creates an account-chain mock with a 10 gwei base fee.
func NewMockChainClient() *MockChainClient {
	return &MockChainClient{
		ChainType: chain.TypeEVM,
		Signal: chain.FeeSignal{
			BaseFee:     Gwei(10),
			PriorityFee: TwoGwei,
			GasPrice:    TwentyGwei,
		},
		statuses: []chain.TxStatus{{State: chain.TxNotFound}},
		calls:    make(map[string]int),
	}
}

var (
	_ chain.Client      = (*MockChainClient)(nil)
	_ chain.NonceSource = (*MockChainClient)(nil)
)

func (m *MockChainClient) record(method string) {
	m.calls[method]++
}

// Calls returns how many times method was invoked.
func (m *MockChainClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// SetNonces sets the confirmed and pending nonce counts.
func (m *MockChainClient) SetNonces(confirmed, pending uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Confirmed, m.Pending = confirmed, pending
}

// SetBroadcastErrors scripts the results of the next broadcasts.
func (m *MockChainClient) SetBroadcastErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastErrs = append([]error(nil), errs...)
}

// SetStatuses scripts the results of the next status lookups.
func (m *MockChainClient) SetStatuses(statuses ...chain.TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append([]chain.TxStatus(nil), statuses...)
}

// SetStatusErr changes StatusErr under the lock.
func (m *MockChainClient) SetStatusErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusErr = err
}

// Built returns the params of every BuildPayload call.
func (m *MockChainClient) Built() []chain.BuildParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chain.BuildParams(nil), m.built...)
}

// Broadcasted returns every payload passed to Broadcast.
func (m *MockChainClient) Broadcasted() []chain.SignedPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chain.SignedPayload(nil), m.broadcasted...)
}

func (m *MockChainClient) ConfirmedNonce(context.Context, string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ConfirmedNonce")
	return m.Confirmed, m.NonceErr
}

func (m *MockChainClient) PendingNonce(context.Context, string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PendingNonce")
	return m.Pending, m.NonceErr
}

func (m *MockChainClient) FeeSignal(context.Context) (chain.FeeSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FeeSignal")
	if m.FeeErr != nil {
		return chain.FeeSignal{}, m.FeeErr
	}
	return m.Signal, nil
}

func (m *MockChainClient) BuildPayload(_ context.Context, params chain.BuildParams) (chain.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("BuildPayload")
	if m.BuildErr != nil {
		return nil, m.BuildErr
	}
	m.built = append(m.built, params)
	return &MockPayload{Type: m.ChainType, Params: params}, nil
}

func (m *MockChainClient) Broadcast(_ context.Context, signed chain.SignedPayload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Broadcast")
	m.broadcasted = append(m.broadcasted, signed)
	if len(m.broadcastErrs) > 0 {
		err := m.broadcastErrs[0]
		m.broadcastErrs = m.broadcastErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return signed.Hash, nil
}

func (m *MockChainClient) TxStatus(context.Context, string) (chain.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("TxStatus")
	if m.StatusErr != nil {
		return chain.TxStatus{}, m.StatusErr
	}
	if len(m.statuses) == 0 {
		return chain.TxStatus{State: chain.TxNotFound}, nil
	}
	st := m.statuses[0]
	if len(m.statuses) > 1 {
		m.statuses = m.statuses[1:]
	}
	return st, nil
}

// MockPayload is the payload built by MockChainClient. Its signing bytes
// describe the build params so every nonce/fee combination signs differently.
type MockPayload struct {
	Type   chain.Type
	Params chain.BuildParams
}

func (p *MockPayload) ChainType() chain.Type { return p.Type }

func (p *MockPayload) SigningBytes() ([]byte, error) {
	nonce := "none"
	if p.Params.Nonce != nil {
		nonce = fmt.Sprint(*p.Params.Nonce)
	}
	return []byte(fmt.Sprintf("%s|%s|%s|%v|%v",
		p.Params.ChainID, p.Params.From, nonce, p.Params.Fee.PriorityFee, p.Params.Fee.MaxFeeOrGasPrice)), nil
}

func (p *MockPayload) Attach(signed []byte) (chain.SignedPayload, error) {
	if len(signed) == 0 {
		return chain.SignedPayload{}, fmt.Errorf("empty signature")
	}
	return chain.SignedPayload{
		ChainType: p.Type,
		Raw:       signed,
		Hash:      crypto.Keccak256Hash(signed).Hex(),
	}, nil
}
