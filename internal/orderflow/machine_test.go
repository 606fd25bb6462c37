package orderflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mobilinkhero/waflow/internal/session"
)

type stubCatalog struct {
	products map[string]*Product
}

func (c *stubCatalog) Product(_ context.Context, _ string, productID string) (*Product, error) {
	p, ok := c.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return p, nil
}

type stubOrders struct {
	calls    int
	fail     bool
	tenant   string
	contact  string
	product  string
	quantity int
	payment  string
}

func (o *stubOrders) CreateOrder(_ context.Context, tenantID, contactID, productID string, quantity int, payment string) (string, error) {
	o.calls++
	if o.fail {
		return "", fmt.Errorf("commerce backend down")
	}
	o.tenant, o.contact, o.product, o.quantity, o.payment = tenantID, contactID, productID, quantity, payment
	return fmt.Sprintf("ORD-%d", o.calls), nil
}

func newTestMachine() (*Machine, *session.Manager, *stubOrders) {
	sessions := session.NewManager(session.NewMemoryStore(), 2*time.Hour, 1)
	catalog := &stubCatalog{products: map[string]*Product{
		"SKU-001": {ID: "SKU-001", Name: "Widget", Price: 1500, Stock: 10},
		"SKU-002": {ID: "SKU-002", Name: "Gadget", Price: 900, Stock: 0},
	}}
	orders := &stubOrders{}
	m := NewMachine(sessions, catalog, orders, []string{"cod", "transfer", "qris"}, nil)
	return m, sessions, orders
}

func step(t *testing.T, sessions *session.Manager, tenant, contact string) *session.Record {
	t.Helper()
	rec, err := sessions.GetOrCreate(context.Background(), session.Key{
		TenantID: tenant, ContactID: contact, Kind: session.KindOrderFlow,
	})
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	return rec
}

func TestFullPurchaseFlow(t *testing.T) {
	m, sessions, orders := newTestMachine()
	ctx := context.Background()

	reply, handled := m.Handle(ctx, "T1", "C1", "select SKU-001")
	if !handled {
		t.Fatalf("start command not handled")
	}
	if !strings.Contains(reply, "Widget") || !strings.Contains(reply, "10 in stock") {
		t.Fatalf("quantity prompt = %q", reply)
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepQuantitySelection {
		t.Fatalf("step = %q, want %q", rec.CurrentStep, StepQuantitySelection)
	}

	reply, _ = m.Handle(ctx, "T1", "C1", "5")
	if !strings.Contains(reply, "5 x 1500 = 7500") || !strings.Contains(reply, "Total: 7500") {
		t.Fatalf("invoice = %q", reply)
	}
	rec := step(t, sessions, "T1", "C1")
	if rec.CurrentStep != StepInvoiceReview {
		t.Fatalf("step = %q, want %q", rec.CurrentStep, StepInvoiceReview)
	}
	if got := rec.StringData("product_id"); got != "SKU-001" {
		t.Fatalf("product_id = %q", got)
	}
	if qty, _ := rec.IntData("quantity"); qty != 5 {
		t.Fatalf("quantity = %d, want 5", qty)
	}

	reply, _ = m.Handle(ctx, "T1", "C1", "confirm")
	if !strings.Contains(reply, "cod, transfer, qris") {
		t.Fatalf("payment prompt = %q", reply)
	}

	reply, _ = m.Handle(ctx, "T1", "C1", "cod")
	if !strings.Contains(reply, "ORD-1") || !strings.Contains(reply, "cod") {
		t.Fatalf("completion reply = %q", reply)
	}
	if orders.calls != 1 {
		t.Fatalf("CreateOrder called %d times, want 1", orders.calls)
	}
	if orders.product != "SKU-001" || orders.quantity != 5 || orders.payment != "cod" {
		t.Fatalf("order emitted with %s/%d/%s", orders.product, orders.quantity, orders.payment)
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepIdle {
		t.Fatalf("step after completion = %q, want idle", rec.CurrentStep)
	}
}

func TestQuantityRejectsNonPositiveAndNonInteger(t *testing.T) {
	m, sessions, _ := newTestMachine()
	ctx := context.Background()
	m.Handle(ctx, "T1", "C1", "select SKU-001")

	for _, bad := range []string{"0", "-1", "2.5", "lots"} {
		reply, handled := m.Handle(ctx, "T1", "C1", bad)
		if !handled {
			t.Fatalf("%q fell out of the flow", bad)
		}
		if !strings.Contains(reply, "whole number") {
			t.Fatalf("reply to %q = %q", bad, reply)
		}
		if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepQuantitySelection {
			t.Fatalf("step after %q = %q, want quantity_selection", bad, rec.CurrentStep)
		}
	}
}

func TestQuantityExceedingStockStays(t *testing.T) {
	m, sessions, _ := newTestMachine()
	ctx := context.Background()
	m.Handle(ctx, "T1", "C1", "select SKU-001")

	reply, _ := m.Handle(ctx, "T1", "C1", "50")
	if !strings.Contains(reply, "only have 10") {
		t.Fatalf("reply = %q", reply)
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepQuantitySelection {
		t.Fatalf("step = %q", rec.CurrentStep)
	}
}

func TestCustomQuantityBranch(t *testing.T) {
	m, sessions, _ := newTestMachine()
	ctx := context.Background()
	m.Handle(ctx, "T1", "C1", "select SKU-001")

	reply, _ := m.Handle(ctx, "T1", "C1", "custom")
	if !strings.Contains(reply, "exact quantity") {
		t.Fatalf("custom prompt = %q", reply)
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepAwaitingCustomQty {
		t.Fatalf("step = %q", rec.CurrentStep)
	}

	// Exceeding stock keeps the step and flags the error.
	m.Handle(ctx, "T1", "C1", "99")
	rec := step(t, sessions, "T1", "C1")
	if rec.CurrentStep != StepAwaitingCustomQty {
		t.Fatalf("step = %q", rec.CurrentStep)
	}
	if !rec.BoolData("qty_error") {
		t.Fatalf("qty_error flag not set")
	}

	reply, _ = m.Handle(ctx, "T1", "C1", "8")
	if !strings.Contains(reply, "8 x 1500") {
		t.Fatalf("invoice = %q", reply)
	}
	rec = step(t, sessions, "T1", "C1")
	if rec.CurrentStep != StepInvoiceReview {
		t.Fatalf("step = %q", rec.CurrentStep)
	}
	if rec.BoolData("qty_error") {
		t.Fatalf("qty_error flag not cleared")
	}
}

func TestInvoiceEditLoop(t *testing.T) {
	m, sessions, _ := newTestMachine()
	ctx := context.Background()
	m.Handle(ctx, "T1", "C1", "select SKU-001")
	m.Handle(ctx, "T1", "C1", "3")

	reply, _ := m.Handle(ctx, "T1", "C1", "edit")
	if !strings.Contains(reply, "How many") {
		t.Fatalf("edit reply = %q", reply)
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepQuantitySelection {
		t.Fatalf("step = %q", rec.CurrentStep)
	}

	m.Handle(ctx, "T1", "C1", "7")
	rec := step(t, sessions, "T1", "C1")
	if qty, _ := rec.IntData("quantity"); qty != 7 {
		t.Fatalf("quantity = %d, want 7", qty)
	}
}

func TestUnmatchedInputRePrompts(t *testing.T) {
	m, sessions, _ := newTestMachine()
	ctx := context.Background()
	m.Handle(ctx, "T1", "C1", "select SKU-001")
	m.Handle(ctx, "T1", "C1", "3")

	// Free text at invoice review re-renders the invoice, state unchanged.
	reply, handled := m.Handle(ctx, "T1", "C1", "what about shipping?")
	if !handled {
		t.Fatalf("mid-flow input fell out of the flow")
	}
	if !strings.Contains(reply, "Total: 4500") {
		t.Fatalf("re-prompt = %q", reply)
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepInvoiceReview {
		t.Fatalf("step = %q", rec.CurrentStep)
	}
}

func TestCancelFromAnyState(t *testing.T) {
	m, sessions, orders := newTestMachine()
	ctx := context.Background()

	advance := map[string][]string{
		StepQuantitySelection: {"select SKU-001"},
		StepAwaitingCustomQty: {"select SKU-001", "custom"},
		StepInvoiceReview:     {"select SKU-001", "3"},
		StepPaymentSelection:  {"select SKU-001", "3", "confirm"},
	}
	for state, inputs := range advance {
		for _, in := range inputs {
			m.Handle(ctx, "T1", "C1", in)
		}
		if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != state {
			t.Fatalf("setup for %s landed on %s", state, rec.CurrentStep)
		}
		reply, handled := m.Handle(ctx, "T1", "C1", "cancel")
		if !handled || !strings.Contains(reply, "cancelled") {
			t.Fatalf("cancel from %s = %q (handled=%v)", state, reply, handled)
		}
		rec := step(t, sessions, "T1", "C1")
		if rec.CurrentStep != StepIdle {
			t.Fatalf("step after cancel from %s = %q", state, rec.CurrentStep)
		}
		if rec.StringData("product_id") != "" {
			t.Fatalf("data not cleared after cancel from %s", state)
		}
	}
	if orders.calls != 0 {
		t.Fatalf("an order was created during cancellation tests")
	}
}

func TestIdleNonOrderTextNotHandled(t *testing.T) {
	m, _, _ := newTestMachine()
	if _, handled := m.Handle(context.Background(), "T1", "C1", "hello there"); handled {
		t.Fatalf("free text at idle should fall through to the assistant")
	}
	if _, handled := m.Handle(context.Background(), "T1", "C1", "cancel"); handled {
		t.Fatalf("cancel at idle should fall through")
	}
}

func TestUnknownAndOutOfStockProducts(t *testing.T) {
	m, sessions, _ := newTestMachine()
	ctx := context.Background()

	reply, handled := m.Handle(ctx, "T1", "C1", "select SKU-404")
	if !handled || !strings.Contains(reply, "couldn't find") {
		t.Fatalf("unknown product reply = %q (handled=%v)", reply, handled)
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepIdle {
		t.Fatalf("unknown product advanced the flow to %q", rec.CurrentStep)
	}

	reply, handled = m.Handle(ctx, "T1", "C1", "select SKU-002")
	if !handled || !strings.Contains(reply, "out of stock") {
		t.Fatalf("out-of-stock reply = %q (handled=%v)", reply, handled)
	}
}

func TestInvalidPaymentTokenStays(t *testing.T) {
	m, sessions, orders := newTestMachine()
	ctx := context.Background()
	m.Handle(ctx, "T1", "C1", "select SKU-001")
	m.Handle(ctx, "T1", "C1", "3")
	m.Handle(ctx, "T1", "C1", "confirm")

	reply, _ := m.Handle(ctx, "T1", "C1", "bitcoin")
	if !strings.Contains(reply, "not a payment method") {
		t.Fatalf("reply = %q", reply)
	}
	if orders.calls != 0 {
		t.Fatalf("order created for invalid payment token")
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepPaymentSelection {
		t.Fatalf("step = %q", rec.CurrentStep)
	}

	// Case-insensitive token match.
	reply, _ = m.Handle(ctx, "T1", "C1", "TRANSFER")
	if !strings.Contains(reply, "confirmed") {
		t.Fatalf("reply = %q", reply)
	}
	if orders.payment != "transfer" {
		t.Fatalf("payment = %q, want canonical token", orders.payment)
	}
}

func TestOrderCreationFailureKeepsPaymentStep(t *testing.T) {
	m, sessions, orders := newTestMachine()
	orders.fail = true
	ctx := context.Background()
	m.Handle(ctx, "T1", "C1", "select SKU-001")
	m.Handle(ctx, "T1", "C1", "3")
	m.Handle(ctx, "T1", "C1", "confirm")

	reply, _ := m.Handle(ctx, "T1", "C1", "cod")
	if !strings.Contains(reply, "try again") {
		t.Fatalf("reply = %q", reply)
	}
	if rec := step(t, sessions, "T1", "C1"); rec.CurrentStep != StepPaymentSelection {
		t.Fatalf("step = %q, want payment_selection for retry", rec.CurrentStep)
	}

	orders.fail = false
	reply, _ = m.Handle(ctx, "T1", "C1", "cod")
	if !strings.Contains(reply, "confirmed") {
		t.Fatalf("retry reply = %q", reply)
	}
	if orders.calls != 2 {
		t.Fatalf("CreateOrder calls = %d, want 2", orders.calls)
	}
}

func TestTenantIsolation(t *testing.T) {
	m, sessions, _ := newTestMachine()
	ctx := context.Background()

	m.Handle(ctx, "T1", "C1", "select SKU-001")
	m.Handle(ctx, "T2", "C1", "select SKU-001")
	m.Handle(ctx, "T1", "C1", "3")

	recT1 := step(t, sessions, "T1", "C1")
	recT2 := step(t, sessions, "T2", "C1")
	if recT1.CurrentStep != StepInvoiceReview {
		t.Fatalf("T1 step = %q", recT1.CurrentStep)
	}
	if recT2.CurrentStep != StepQuantitySelection {
		t.Fatalf("T2 step = %q, tenant state leaked", recT2.CurrentStep)
	}
}
