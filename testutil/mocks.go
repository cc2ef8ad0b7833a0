package testutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/notify"
)

// ============================================================
// Custody
// ============================================================

// MockCustodian plays the remote custody service. EVM payloads that decode as
// transactions are signed with Key and answered with a 65-byte r||s||v
// signature; slot messages are signed with SlotKey. Anything else gets an
// opaque keccak digest back.
type MockCustodian struct {
	mu sync.Mutex

	Key     *ecdsa.PrivateKey
	SlotKey ed25519.PrivateKey
	ChainID *big.Int

	// LegacyV makes EVM signatures carry v as 27/28.
	LegacyV bool

	// Err is returned by every call while set.
	Err error

	// Delay holds each call back, honouring ctx.
	Delay time.Duration

	calls   int
	handles []string
}

func NewMockCustodian() *MockCustodian {
	return &MockCustodian{
		Key:     TestPrivateKey1,
		SlotKey: TestEd25519Key,
		ChainID: ChainIDMainnet,
	}
}

func (m *MockCustodian) Sign(ctx context.Context, handle, unsignedHex string, chainType chain.Type) (string, error) {
	m.mu.Lock()
	m.calls++
	m.handles = append(m.handles, handle)
	err, delay := m.Err, m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(unsignedHex, "0x"))
	if err != nil {
		return "", err
	}

	switch chainType {
	case chain.TypeSlot:
		return hex.EncodeToString(ed25519.Sign(m.SlotKey, raw)), nil
	default:
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			return hexutil.Encode(crypto.Keccak256(raw)), nil
		}
		signer := types.LatestSignerForChainID(m.ChainID)
		sig, err := crypto.Sign(signer.Hash(&tx).Bytes(), m.Key)
		if err != nil {
			return "", err
		}
		if m.LegacyV {
			sig[64] += 27
		}
		return hexutil.Encode(sig), nil
	}
}

// Calls returns how many sign requests were received.
func (m *MockCustodian) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Handles returns the signer handles of every request in order.
func (m *MockCustodian) Handles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.handles...)
}

// ============================================================
// Notifications
// ============================================================

// MockNotifier records every notification it receives.
type MockNotifier struct {
	mu            sync.Mutex
	notifications []notify.Notification
	Err           error
}

func (m *MockNotifier) Notify(_ context.Context, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return m.Err
}

// Notifications returns a copy of what was received so far.
func (m *MockNotifier) Notifications() []notify.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Notification(nil), m.notifications...)
}

// Count returns the number of notifications received.
func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

// CountOutcome returns the number of notifications with outcome o.
func (m *MockNotifier) CountOutcome(o notify.Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.notifications {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// ============================================================
// Status lookup and relay
// ============================================================

// MockStatusLookup is a scriptable status-lookup collaborator. The last
// scripted status repeats; Err fails every call while set.
type MockStatusLookup struct {
	mu       sync.Mutex
	statuses []chain.TxStatus
	Err      error
	calls    int
}

func NewMockStatusLookup(statuses ...chain.TxStatus) *MockStatusLookup {
	return &MockStatusLookup{statuses: statuses}
}

func (m *MockStatusLookup) Status(context.Context, string, chain.ID) (chain.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Err != nil {
		return chain.TxStatus{}, m.Err
	}
	if len(m.statuses) == 0 {
		return chain.TxStatus{State: chain.TxPending}, nil
	}
	st := m.statuses[0]
	if len(m.statuses) > 1 {
		m.statuses = m.statuses[1:]
	}
	return st, nil
}

// SetErr changes Err under the lock.
func (m *MockStatusLookup) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MockStatusLookup) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockRelay is a chain.Relay that accepts everything unless Err is set.
type MockRelay struct {
	mu       sync.Mutex
	Err      error
	Receipt  *chain.TxStatus
	executed []chain.SignedPayload
}

var _ chain.Relay = (*MockRelay)(nil)

func (m *MockRelay) Execute(_ context.Context, signed chain.SignedPayload, _ chain.ID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, signed)
	if m.Err != nil {
		return "", m.Err
	}
	return signed.Hash, nil
}

func (m *MockRelay) FetchReceipt(context.Context, string, chain.ID) (*chain.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Receipt, m.Err
}

// Executed returns every payload submitted through the relay.
func (m *MockRelay) Executed() []chain.SignedPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chain.SignedPayload(nil), m.executed...)
}
