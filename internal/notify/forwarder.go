package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alephtrade/crossarb/internal/domain"
)

// Forwarder subscribes to the settlement event channel and forwards each
// event to the Notifier. Malformed payloads are logged and skipped so one
// bad message never stalls the stream.
type Forwarder struct {
	bus      domain.SignalBus
	notifier *Notifier
	channel  string
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder reading from the given bus channel.
func NewForwarder(bus domain.SignalBus, notifier *Notifier, channel string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		bus:      bus,
		notifier: notifier,
		channel:  channel,
		logger:   logger.With(slog.String("component", "notify_forwarder")),
	}
}

// Run consumes events until the context is cancelled or the subscription
// channel closes.
func (f *Forwarder) Run(ctx context.Context) error {
	msgs, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", f.channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			f.handle(ctx, payload)
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, payload []byte) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		f.logger.WarnContext(ctx, "malformed event payload",
			slog.String("error", err.Error()),
		)
		return
	}

	title, message := formatEvent(ev)
	if err := f.notifier.Notify(ctx, string(ev.Type), title, message); err != nil {
		f.logger.ErrorContext(ctx, "notification delivery failed",
			slog.String("event", string(ev.Type)),
			slog.String("order_key", ev.OrderKey),
			slog.String("error", err.Error()),
		)
	}
}

// formatEvent renders a settlement event as a notification title and body.
func formatEvent(ev domain.Event) (title, message string) {
	title = eventTitle(ev.Type)

	var b strings.Builder
	if ev.OrderKey != "" {
		fmt.Fprintf(&b, "Order: %s\n", ev.OrderKey)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", ev.Reason)
	}
	for k, v := range ev.Detail {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return title, strings.TrimRight(b.String(), "\n")
}

func eventTitle(t domain.EventType) string {
	switch t {
	case domain.EventOrderCreated:
		return "Order admitted"
	case domain.EventLegExecuted:
		return "Leg 1 executed"
	case domain.EventProfitDistributed:
		return "Profit distributed"
	case domain.EventOrderRefunded:
		return "Order refunded"
	case domain.EventOrderCancelled:
		return "Order cancelled"
	case domain.EventOrderFailed:
		return "Order failed"
	case domain.EventOrderFrozen:
		return "Keeper order frozen"
	case domain.EventSolvencyAlert:
		return "SOLVENCY ALERT"
	case domain.EventFundsRescued:
		return "Funds rescued"
	default:
		return string(t)
	}
}
