package s3blob

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/domain"
)

type memBlob struct{ objects map[string][]byte }

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type stubOrderStore struct {
	terminal []*domain.ArbitrageOrder
	deleted  []string
}

func (s *stubOrderStore) ListTerminalBefore(context.Context, time.Time) ([]*domain.ArbitrageOrder, error) {
	return s.terminal, nil
}

func (s *stubOrderStore) DeleteByKeys(_ context.Context, keys []string) error {
	s.deleted = append(s.deleted, keys...)
	return nil
}

type stubAudit struct{ events []string }

func (s *stubAudit) Log(_ context.Context, event string, _ map[string]any) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func settledOrder(key string) *domain.ArbitrageOrder {
	return &domain.ArbitrageOrder{
		Key:         key,
		Owner:       common.HexToAddress("0x0000000000000000000000000000000000000001"),
		BorrowToken: common.HexToAddress("0x0000000000000000000000000000000000000002"),
		TargetToken: common.HexToAddress("0x0000000000000000000000000000000000000003"),
		Principal:   big.NewInt(100),
		State:       domain.OrderStateSettled,
	}
}

func TestArchiveOrdersUploadsJSONL(t *testing.T) {
	blob := newMemBlob()
	store := &stubOrderStore{terminal: []*domain.ArbitrageOrder{settledOrder("0xaaa"), settledOrder("0xbbb")}}
	audit := &stubAudit{}
	arch := NewArchiver(blob, blob, store, audit)

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	n, err := arch.ArchiveOrders(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveOrders: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived %d, want 2", n)
	}

	data, ok := blob.objects["archive/orders/2026-08.jsonl"]
	if !ok {
		t.Fatalf("archive file missing, have %v", blob.objects)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d JSONL lines, want 2", len(lines))
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.orders" {
		t.Fatalf("audit events = %v", audit.events)
	}
}

func TestArchiveOrdersEmptyIsNoop(t *testing.T) {
	blob := newMemBlob()
	arch := NewArchiver(blob, blob, &stubOrderStore{}, &stubAudit{})

	n, err := arch.ArchiveOrders(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveOrders: %v", err)
	}
	if n != 0 || len(blob.objects) != 0 {
		t.Fatalf("archived %d with %d objects, want 0 and 0", n, len(blob.objects))
	}
}

func TestPruneOrdersRefusesWithoutArchive(t *testing.T) {
	blob := newMemBlob()
	store := &stubOrderStore{terminal: []*domain.ArbitrageOrder{settledOrder("0xaaa")}}
	arch := NewArchiver(blob, blob, store, &stubAudit{})

	if _, err := arch.PruneOrders(context.Background(), time.Now()); err == nil {
		t.Fatal("expected prune to refuse when archive is missing")
	}
	if len(store.deleted) != 0 {
		t.Fatalf("deleted %v without a verified archive", store.deleted)
	}
}

func TestPruneOrdersDeletesAfterVerification(t *testing.T) {
	blob := newMemBlob()
	store := &stubOrderStore{terminal: []*domain.ArbitrageOrder{settledOrder("0xaaa"), settledOrder("0xbbb")}}
	audit := &stubAudit{}
	arch := NewArchiver(blob, blob, store, audit)

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if _, err := arch.ArchiveOrders(context.Background(), cutoff); err != nil {
		t.Fatalf("ArchiveOrders: %v", err)
	}

	n, err := arch.PruneOrders(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneOrders: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	if len(store.deleted) != 2 || store.deleted[0] != "0xaaa" || store.deleted[1] != "0xbbb" {
		t.Fatalf("deleted keys = %v", store.deleted)
	}
}
