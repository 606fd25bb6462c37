package orderflow

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/mobilinkhero/waflow/internal/observability"
	"github.com/mobilinkhero/waflow/internal/session"
)

// Machine drives the purchase conversation for one inbound message at a
// time. All state lives in the session store; the machine itself is
// stateless and safe for concurrent use across contacts.
type Machine struct {
	sessions       *session.Manager
	catalog        Catalog
	orders         OrderCreator
	paymentMethods []string
	metrics        *observability.Metrics
}

func NewMachine(sessions *session.Manager, catalog Catalog, orders OrderCreator, paymentMethods []string, metrics *observability.Metrics) *Machine {
	return &Machine{
		sessions:       sessions,
		catalog:        catalog,
		orders:         orders,
		paymentMethods: paymentMethods,
		metrics:        metrics,
	}
}

// Handle routes one message through the flow. handled is false only when the
// contact is idle and the message does not start an order; the caller then
// falls through to the assistant.
func (m *Machine) Handle(ctx context.Context, tenantID, contactID, text string) (reply string, handled bool) {
	key := session.Key{TenantID: tenantID, ContactID: contactID, Kind: session.KindOrderFlow}
	rec, err := m.sessions.GetOrCreate(ctx, key)
	if err != nil {
		// Degraded mode still yields an ephemeral record; the flow keeps
		// working for this process, it just won't survive a restart.
		log.Printf("order session degraded for %s/%s: %v", tenantID, contactID, err)
	}

	input := strings.ToLower(strings.TrimSpace(text))

	if input == "cancel" && rec.CurrentStep != StepIdle {
		m.transition(ctx, rec, StepIdle, nil, true)
		return "Order cancelled. Anything else I can help with?", true
	}

	switch rec.CurrentStep {
	case StepIdle:
		return m.handleIdle(ctx, rec, input)
	case StepQuantitySelection:
		return m.handleQuantity(ctx, rec, input), true
	case StepAwaitingCustomQty:
		return m.handleCustomQuantity(ctx, rec, input), true
	case StepInvoiceReview:
		return m.handleInvoiceReview(ctx, rec, input), true
	case StepPaymentSelection:
		return m.handlePayment(ctx, rec, tenantID, contactID, input), true
	default:
		// Unknown step in stored data; reset rather than wedge the contact.
		log.Printf("unknown order step %q for %s/%s, resetting", rec.CurrentStep, tenantID, contactID)
		m.transition(ctx, rec, StepIdle, nil, true)
		return "", false
	}
}

func (m *Machine) handleIdle(ctx context.Context, rec *session.Record, input string) (string, bool) {
	productID, ok := parseStartCommand(input)
	if !ok {
		return "", false
	}

	product, err := m.lookup(ctx, rec.Key.TenantID, productID)
	if err != nil {
		return fmt.Sprintf("I couldn't find product %s. Please check the product code and try again.", productID), true
	}
	if product.Stock < 1 {
		return fmt.Sprintf("%s is currently out of stock.", product.Name), true
	}

	m.transition(ctx, rec, StepQuantitySelection, map[string]any{dataProductID: product.ID}, false)
	return fmt.Sprintf("%s costs %d each and we have %d in stock. How many would you like? Reply with a number, or \"custom\" for a larger amount.",
		product.Name, product.Price, product.Stock), true
}

func (m *Machine) handleQuantity(ctx context.Context, rec *session.Record, input string) string {
	product, err := m.currentProduct(ctx, rec)
	if err != nil {
		m.transition(ctx, rec, StepIdle, nil, true)
		return "Sorry, that product is no longer available. The order was cancelled."
	}

	if input == "custom" || input == "other" {
		m.transition(ctx, rec, StepAwaitingCustomQty, nil, false)
		return fmt.Sprintf("Sure, tell me the exact quantity you need (up to %d).", product.Stock)
	}

	qty, ok := parseQuantity(input)
	if !ok {
		return fmt.Sprintf("Please reply with a whole number of %s you'd like, or \"cancel\" to stop.", product.Name)
	}
	if qty > product.Stock {
		return fmt.Sprintf("We only have %d of %s in stock. Please pick a smaller quantity.", product.Stock, product.Name)
	}

	m.transition(ctx, rec, StepInvoiceReview, map[string]any{dataQuantity: qty}, false)
	return renderInvoice(product, qty)
}

func (m *Machine) handleCustomQuantity(ctx context.Context, rec *session.Record, input string) string {
	product, err := m.currentProduct(ctx, rec)
	if err != nil {
		m.transition(ctx, rec, StepIdle, nil, true)
		return "Sorry, that product is no longer available. The order was cancelled."
	}

	qty, ok := parseQuantity(input)
	if !ok {
		return "Please reply with a whole number, or \"cancel\" to stop."
	}
	if qty > product.Stock {
		m.transition(ctx, rec, StepAwaitingCustomQty, map[string]any{dataQtyError: true}, false)
		return fmt.Sprintf("We only have %d of %s in stock. Please pick a smaller quantity.", product.Stock, product.Name)
	}

	m.transition(ctx, rec, StepInvoiceReview, map[string]any{dataQuantity: qty, dataQtyError: false}, false)
	return renderInvoice(product, qty)
}

func (m *Machine) handleInvoiceReview(ctx context.Context, rec *session.Record, input string) string {
	switch input {
	case "confirm", "yes", "ok":
		m.transition(ctx, rec, StepPaymentSelection, nil, false)
		return fmt.Sprintf("Great. How would you like to pay? Options: %s.", strings.Join(m.paymentMethods, ", "))
	case "edit", "change":
		m.transition(ctx, rec, StepQuantitySelection, nil, false)
		return "No problem. How many would you like instead?"
	default:
		product, err := m.currentProduct(ctx, rec)
		if err != nil {
			m.transition(ctx, rec, StepIdle, nil, true)
			return "Sorry, that product is no longer available. The order was cancelled."
		}
		qty, _ := rec.IntData(dataQuantity)
		return renderInvoice(product, qty)
	}
}

func (m *Machine) handlePayment(ctx context.Context, rec *session.Record, tenantID, contactID, input string) string {
	method, ok := m.matchPaymentMethod(input)
	if !ok {
		return fmt.Sprintf("That's not a payment method I recognize. Options: %s.", strings.Join(m.paymentMethods, ", "))
	}

	productID := rec.StringData(dataProductID)
	qty, _ := rec.IntData(dataQuantity)
	if productID == "" || qty < 1 {
		m.transition(ctx, rec, StepIdle, nil, true)
		return "Something went wrong with this order. Please start again."
	}

	ref, err := m.orders.CreateOrder(ctx, tenantID, contactID, productID, qty, method)
	if err != nil {
		// Stay in payment_selection so the contact can retry without
		// rebuilding the order.
		log.Printf("create order failed for %s/%s: %v", tenantID, contactID, err)
		return "I couldn't place the order just now. Please try again in a moment."
	}

	if m.metrics != nil {
		m.metrics.OrdersCompleted.Inc()
	}
	m.transition(ctx, rec, StepIdle, nil, true)
	return fmt.Sprintf("Order %s confirmed with %s payment. Thank you!", ref, method)
}

// transition records the step change. clear drops the session entirely,
// returning the contact to the implicit idle state.
func (m *Machine) transition(ctx context.Context, rec *session.Record, to string, patch map[string]any, clear bool) {
	from := rec.CurrentStep
	var err error
	if clear {
		err = m.sessions.Clear(ctx, rec)
	} else {
		err = m.sessions.UpdateStep(ctx, rec, to, patch)
	}
	if err != nil {
		log.Printf("order step %s -> %s not persisted for %s/%s: %v", from, to, rec.Key.TenantID, rec.Key.ContactID, err)
	}
	if m.metrics != nil && from != to {
		m.metrics.OrderTransitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Machine) currentProduct(ctx context.Context, rec *session.Record) (*Product, error) {
	id := rec.StringData(dataProductID)
	if id == "" {
		return nil, ErrProductNotFound
	}
	return m.lookup(ctx, rec.Key.TenantID, id)
}

func (m *Machine) lookup(ctx context.Context, tenantID, productID string) (*Product, error) {
	product, err := m.catalog.Product(ctx, tenantID, productID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrProductNotFound
	}
	return product, nil
}

func (m *Machine) matchPaymentMethod(input string) (string, bool) {
	for _, method := range m.paymentMethods {
		if strings.EqualFold(input, method) {
			return method, true
		}
	}
	return "", false
}

// parseStartCommand recognizes "select <product>" and "order <product>".
func parseStartCommand(input string) (string, bool) {
	for _, prefix := range []string{"select ", "order "} {
		if strings.HasPrefix(input, prefix) {
			id := strings.TrimSpace(strings.TrimPrefix(input, prefix))
			if id != "" {
				return strings.ToUpper(id), true
			}
		}
	}
	return "", false
}

// parseQuantity accepts positive whole numbers only. "2.5", "0", "-1" and
// free text are all rejected.
func parseQuantity(input string) (int, bool) {
	qty, err := strconv.Atoi(input)
	if err != nil || qty < 1 {
		return 0, false
	}
	return qty, true
}

func renderInvoice(p *Product, qty int) string {
	total := p.Price * int64(qty)
	var b strings.Builder
	b.WriteString("Your order:\n")
	fmt.Fprintf(&b, "%s (%s)\n", p.Name, p.ID)
	fmt.Fprintf(&b, "%d x %d = %d\n", qty, p.Price, total)
	fmt.Fprintf(&b, "Total: %d\n\n", total)
	b.WriteString("Reply \"confirm\" to proceed, \"edit\" to change the quantity, or \"cancel\" to stop.")
	return b.String()
}
