package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists the order ledger's write-through copy. The in-memory
// ledger stays authoritative for state checks; the store is the durable
// record and the query surface for operators.
type OrderStore interface {
	Create(ctx context.Context, order *ArbitrageOrder) error
	Update(ctx context.Context, order *ArbitrageOrder) error
	GetByKey(ctx context.Context, key string) (*ArbitrageOrder, error)
	ListOpen(ctx context.Context) ([]*ArbitrageOrder, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]*ArbitrageOrder, error)
	// ListTerminalBefore returns terminal orders last updated before the
	// cutoff, for archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]*ArbitrageOrder, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of every engine mutation.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
