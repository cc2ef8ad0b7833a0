// Package notify delivers terminal transaction outcomes to the owner of the
// transaction.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KyberNetwork/logger"

	"github.com/aptopilot/txengine/chain"
)

// Outcome is the terminal result of a transaction.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeUnknown   Outcome = "unknown"
)

// Notification is sent exactly once per terminal transaction record.
type Notification struct {
	RecordID string
	Owner    string
	TxHash   string
	ChainID  chain.ID
	Outcome  Outcome

	// Reference is the inclusion point (block or slot) for Confirmed and Failed
	// outcomes.
	Reference string

	// ExplorerLink points at the transaction on a block explorer. It is the
	// manual resolution handle of Unknown outcomes.
	ExplorerLink string

	Err error
}

type wireNotification struct {
	RecordID     string   `json:"record_id,omitempty"`
	Owner        string   `json:"owner"`
	TxHash       string   `json:"tx_hash,omitempty"`
	ChainID      chain.ID `json:"chain_id"`
	Outcome      Outcome  `json:"outcome"`
	Reference    string   `json:"reference,omitempty"`
	ExplorerLink string   `json:"explorer_link,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	w := wireNotification{
		RecordID:     n.RecordID,
		Owner:        n.Owner,
		TxHash:       n.TxHash,
		ChainID:      n.ChainID,
		Outcome:      n.Outcome,
		Reference:    n.Reference,
		ExplorerLink: n.ExplorerLink,
	}
	if n.Err != nil {
		w.Error = n.Err.Error()
	}
	return json.Marshal(w)
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	var w wireNotification
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*n = Notification{
		RecordID:     w.RecordID,
		Owner:        w.Owner,
		TxHash:       w.TxHash,
		ChainID:      w.ChainID,
		Outcome:      w.Outcome,
		Reference:    w.Reference,
		ExplorerLink: w.ExplorerLink,
	}
	if w.Error != "" {
		n.Err = errors.New(w.Error)
	}
	return nil
}

func (n Notification) String() string {
	return fmt.Sprintf("%s %s on %s: %s", n.Owner, n.TxHash, n.ChainID, n.Outcome)
}

// Notifier receives terminal outcomes.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes outcomes to the process log. It is the default notifier.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := logger.Fields{
		"record_id":     n.RecordID,
		"owner":         n.Owner,
		"tx_hash":       n.TxHash,
		"chain_id":      n.ChainID,
		"outcome":       n.Outcome,
		"reference":     n.Reference,
		"explorer_link": n.ExplorerLink,
	}
	if n.Err != nil {
		fields["error"] = n.Err
	}
	switch n.Outcome {
	case OutcomeConfirmed:
		logger.WithFields(fields).Info("transaction confirmed")
	default:
		logger.WithFields(fields).Warn("transaction finished without confirmation")
	}
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is called
// even if an earlier one fails; the failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
