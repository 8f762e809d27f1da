package domain

import "time"

// EventType enumerates the observable settlement events. Events are for
// monitoring and operator tooling, never for internal control flow.
type EventType string

const (
	EventOrderCreated      EventType = "order_created"
	EventLegExecuted       EventType = "leg_executed"
	EventProfitDistributed EventType = "profit_distributed"
	EventOrderRefunded     EventType = "order_refunded" // no-profit outcome, distinct from failure
	EventOrderCancelled    EventType = "order_cancelled"
	EventOrderFailed       EventType = "order_failed"
	EventOrderFrozen       EventType = "order_frozen" // informational, non-final
	EventSlippageUpdated   EventType = "slippage_updated"
	EventKeeperUpdated     EventType = "keeper_updated"
	EventFundsRescued      EventType = "funds_rescued"
	EventSolvencyAlert     EventType = "solvency_alert"
)

// Event is one observable settlement event. Every terminal event that is not
// a profit distribution carries an explicit Reason; silent outcomes are
// disallowed.
type Event struct {
	ID       string         `json:"id"`
	Type     EventType      `json:"type"`
	OrderKey string         `json:"order_key,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}
