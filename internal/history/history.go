// Package history persists completed bridge transactions for offline
// review, mirroring the teacher's internal/store package but recording
// proxy transactions instead of LLM flows.
package history

import (
	"context"
	"time"
)

// TransactionRecord is one completed (or blocked) bridge transaction.
type TransactionRecord struct {
	FlowID       string
	SessionID    string
	Timestamp    time.Time
	Host         string
	Method       string
	URL          string
	StatusCode   int
	RequestBytes int64
	ResponseBytes int64
	Blocked      bool
	BlockReason  string
	DurationMs   int64
}

// Filter narrows a ListTransactions query.
type Filter struct {
	Host      string
	Blocked   *bool
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Recorder is the interface the bridge records completed transactions
// through; a disabled history store uses NoOpRecorder.
type Recorder interface {
	Record(ctx context.Context, rec *TransactionRecord) error
	List(ctx context.Context, filter Filter) ([]*TransactionRecord, error)
	RunRetention(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// NoOpRecorder discards every transaction; used when history is disabled in
// config.
type NoOpRecorder struct{}

func (NoOpRecorder) Record(context.Context, *TransactionRecord) error { return nil }
func (NoOpRecorder) List(context.Context, Filter) ([]*TransactionRecord, error) {
	return nil, nil
}
func (NoOpRecorder) RunRetention(context.Context, time.Duration) (int64, error) { return 0, nil }
func (NoOpRecorder) Close() error                                               { return nil }
