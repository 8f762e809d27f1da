package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alephtrade/crossarb/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return b.ch, nil
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForwarderDeliversAndFilters(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 8)}
	sender := &recordingSender{}
	notifier := NewNotifier([]Sender{sender}, []string{"solvency_alert"}, discard())
	fwd := NewForwarder(bus, notifier, "settlement", discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.Run(ctx)
	}()

	publish := func(ev domain.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		bus.Publish(ctx, "settlement", payload)
	}

	publish(domain.Event{Type: domain.EventOrderCreated, OrderKey: "0xaaaa"})
	publish(domain.Event{Type: domain.EventSolvencyAlert, OrderKey: "0xbbbb", Reason: "refund transfer failed"})

	deadline := time.After(2 * time.Second)
	for sender.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no notification delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if n := sender.count(); n != 1 {
		t.Fatalf("delivered %d notifications, want 1 (filtered)", n)
	}
	if sender.titles[0] != "SOLVENCY ALERT" {
		t.Fatalf("title = %q", sender.titles[0])
	}
	if sender.bodies[0] != "Order: 0xbbbb\nReason: refund transfer failed" {
		t.Fatalf("body = %q", sender.bodies[0])
	}
}

func TestForwarderSkipsMalformedPayload(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 8)}
	sender := &recordingSender{}
	notifier := NewNotifier([]Sender{sender}, nil, discard())
	fwd := NewForwarder(bus, notifier, "settlement", discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.Run(ctx)
	}()

	bus.ch <- []byte("{not json")
	payload, _ := json.Marshal(domain.Event{Type: domain.EventOrderFailed, Reason: "leg 2 output below minimum"})
	bus.ch <- payload

	deadline := time.After(2 * time.Second)
	for sender.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("valid event after malformed payload not delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
