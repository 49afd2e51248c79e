package audit

import (
	"context"
	"time"
)

// EventStore is the durable, time-partitioned backing of the audit log.
type EventStore interface {
	Append(ctx context.Context, event Event) error
	AppendBatch(ctx context.Context, events []Event) error
	Query(ctx context.Context, filter Filter) ([]Event, error)
	// DropPartitionsBefore evicts whole partitions older than cutoff and
	// reports how many were dropped.
	DropPartitionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
