// Package idempotency provides an idempotency key store for preventing duplicate
// transaction submissions. Use this package when you need to ensure that a transaction
// request is processed only once, even if the client retries.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aptopilot/txengine/chain"
)

// Errors
var (
	// ErrDuplicateKey is returned when a transaction with the same key already exists
	ErrDuplicateKey = fmt.Errorf("duplicate idempotency key: transaction already submitted")

	// ErrKeyNotFound is returned when looking up a non-existent key
	ErrKeyNotFound = fmt.Errorf("idempotency key not found")

	// ErrEmptyKey is returned when an operation is given an empty key
	ErrEmptyKey = fmt.Errorf("idempotency key cannot be empty")
)

// Status represents the status of an idempotent transaction
type Status int

const (
	StatusPending   Status = iota // Transaction is being processed
	StatusSubmitted               // Transaction has been accepted by the network
	StatusConfirmed               // Transaction has been confirmed
	StatusFailed                  // Transaction failed permanently or was aborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Finished reports whether the record will not change anymore.
func (s Status) Finished() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Record stores information about an idempotent transaction
type Record struct {
	Key      string
	Status   Status
	RecordID string
	ChainID  chain.ID
	TxHash   string
	Error    error

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}

type wireRecord struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	RecordID  string    `json:"record_id,omitempty"`
	ChainID   chain.ID  `json:"chain_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Key:       r.Key,
		Status:    r.Status,
		RecordID:  r.RecordID,
		ChainID:   r.ChainID,
		TxHash:    r.TxHash,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Error != nil {
		w.Error = r.Error.Error()
	}
	return json.Marshal(w)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		Key:       w.Key,
		Status:    w.Status,
		RecordID:  w.RecordID,
		ChainID:   w.ChainID,
		TxHash:    w.TxHash,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	if w.Error != "" {
		r.Error = errors.New(w.Error)
	}
	return nil
}

// Store provides storage for idempotency keys
type Store interface {
	// Get retrieves an existing record by key
	Get(ctx context.Context, key string) (*Record, error)

	// Create creates a new record. If the key already exists the existing
	// record is returned together with ErrDuplicateKey.
	Create(ctx context.Context, key string) (*Record, error)

	// Update updates an existing record
	Update(ctx context.Context, record *Record) error

	// Delete removes a record by key
	Delete(ctx context.Context, key string) error
}
