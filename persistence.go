package txengine

import (
	"context"
)

// RecordSink receives a snapshot of a record on creation and after every
// transition. The engine keeps nothing durable itself; implement this to
// mirror records into a database or an audit log.
//
// Thread Safety: Implementations MUST be safe for concurrent use. Snapshots of
// one record arrive in transition order. Save errors are logged and otherwise
// ignored.
type RecordSink interface {
	Save(ctx context.Context, rec TransactionRecord) error
}

// RecordSinkFunc adapts a function to RecordSink.
type RecordSinkFunc func(ctx context.Context, rec TransactionRecord) error

func (f RecordSinkFunc) Save(ctx context.Context, rec TransactionRecord) error {
	return f(ctx, rec)
}
