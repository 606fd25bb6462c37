package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreGetOrCreateIdle(t *testing.T) {
	s := NewMemoryStore()
	key := Key{TenantID: "t1", ContactID: "c1", Kind: KindOrderFlow}

	rec, err := s.GetOrCreate(context.Background(), key, time.Hour)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if rec.CurrentStep != StepIdle {
		t.Fatalf("CurrentStep = %q, want %q", rec.CurrentStep, StepIdle)
	}
	if len(rec.Data) != 0 {
		t.Fatalf("Data = %v, want empty", rec.Data)
	}
	if !rec.Live(time.Now().UTC()) {
		t.Fatalf("fresh record should be live")
	}
}

func TestMemoryStoreExpiredRecordIsReplaced(t *testing.T) {
	s := NewMemoryStore()
	key := Key{TenantID: "t1", ContactID: "c1", Kind: KindOrderFlow}
	ctx := context.Background()

	rec, err := s.GetOrCreate(ctx, key, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := s.UpdateStep(ctx, rec, "quantity_selection", map[string]any{"product_id": "SKU-001"}, 10*time.Millisecond); err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	fresh, err := s.GetOrCreate(ctx, key, time.Hour)
	if err != nil {
		t.Fatalf("GetOrCreate() after expiry error = %v", err)
	}
	if fresh.CurrentStep != StepIdle {
		t.Fatalf("CurrentStep = %q, want idle: stale state leaked into new session", fresh.CurrentStep)
	}
	if _, ok := fresh.Data["product_id"]; ok {
		t.Fatalf("Data = %v, want stale keys purged", fresh.Data)
	}
}

func TestMemoryStoreConcurrentGetOrCreateSingleRecord(t *testing.T) {
	s := NewMemoryStore()
	key := Key{TenantID: "t1", ContactID: "c1", Kind: KindOrderFlow}
	ctx := context.Background()

	const n = 32
	expiries := make([]time.Time, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			rec, err := s.GetOrCreate(ctx, key, time.Hour)
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}
			expiries[i] = rec.ExpiresAt
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if !expiries[i].Equal(expiries[0]) {
			t.Fatalf("concurrent GetOrCreate produced distinct records: %v vs %v", expiries[i], expiries[0])
		}
	}

	live, err := s.LiveCount(ctx)
	if err != nil {
		t.Fatalf("LiveCount() error = %v", err)
	}
	if live != 1 {
		t.Fatalf("LiveCount() = %d, want 1", live)
	}
}

func TestMemoryStoreUpdateStepMergesPatch(t *testing.T) {
	s := NewMemoryStore()
	key := Key{TenantID: "t1", ContactID: "c1", Kind: KindOrderFlow}
	ctx := context.Background()

	rec, _ := s.GetOrCreate(ctx, key, time.Hour)
	before := rec.ExpiresAt

	if err := s.UpdateStep(ctx, rec, "quantity_selection", map[string]any{"product_id": "SKU-001", "quantity": 2}, time.Hour); err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	if err := s.UpdateStep(ctx, rec, "invoice_review", map[string]any{"quantity": 5}, time.Hour); err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}

	if rec.StringData("product_id") != "SKU-001" {
		t.Fatalf("product_id = %q, want untouched by second patch", rec.StringData("product_id"))
	}
	if qty, ok := rec.IntData("quantity"); !ok || qty != 5 {
		t.Fatalf("quantity = %d (%v), want overwritten to 5", qty, ok)
	}
	if rec.ExpiresAt.Before(before) {
		t.Fatalf("UpdateStep should refresh expiry")
	}
}

func TestMemoryStoreClearKeepsRecordResolvable(t *testing.T) {
	s := NewMemoryStore()
	key := Key{TenantID: "t1", ContactID: "c1", Kind: KindOrderFlow}
	ctx := context.Background()

	rec, _ := s.GetOrCreate(ctx, key, time.Hour)
	_ = s.UpdateStep(ctx, rec, "payment_selection", map[string]any{"quantity": 3}, time.Hour)

	if err := s.Clear(ctx, rec, time.Hour); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if rec.CurrentStep != StepIdle || len(rec.Data) != 0 {
		t.Fatalf("Clear() left state: step=%q data=%v", rec.CurrentStep, rec.Data)
	}

	again, err := s.GetOrCreate(ctx, key, time.Hour)
	if err != nil {
		t.Fatalf("GetOrCreate() after Clear error = %v", err)
	}
	if !again.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("cleared record should still resolve, not be recreated")
	}
}

func TestMemoryStoreSweepExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _ = s.GetOrCreate(ctx, Key{TenantID: "t1", ContactID: "c1", Kind: KindOrderFlow}, 5*time.Millisecond)
	_, _ = s.GetOrCreate(ctx, Key{TenantID: "t1", ContactID: "c2", Kind: KindOrderFlow}, time.Hour)

	time.Sleep(10 * time.Millisecond)

	purged, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}

func TestTenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _ := s.GetOrCreate(ctx, Key{TenantID: "t1", ContactID: "c1", Kind: KindOrderFlow}, time.Hour)
	_ = s.UpdateStep(ctx, a, "quantity_selection", map[string]any{"product_id": "SKU-001"}, time.Hour)

	b, _ := s.GetOrCreate(ctx, Key{TenantID: "t2", ContactID: "c1", Kind: KindOrderFlow}, time.Hour)
	if b.CurrentStep != StepIdle || b.StringData("product_id") != "" {
		t.Fatalf("tenant t2 saw tenant t1 state: %+v", b)
	}
}
