package orderflow

import (
	"context"
	"errors"

	"github.com/mobilinkhero/waflow/internal/session"
)

// Flow steps. StepIdle is shared with the session store: an idle session is
// indistinguishable from no session at all.
const (
	StepIdle              = session.StepIdle
	StepQuantitySelection = "quantity_selection"
	StepAwaitingCustomQty = "awaiting_custom_qty"
	StepInvoiceReview     = "invoice_review"
	StepPaymentSelection  = "payment_selection"
)

// Session data keys.
const (
	dataProductID = "product_id"
	dataQuantity  = "quantity"
	dataQtyError  = "qty_error"
)

// ErrProductNotFound is returned by Catalog lookups for unknown ids.
var ErrProductNotFound = errors.New("product not found")

// Product is the catalog view the flow needs: enough to validate stock and
// render an invoice line.
type Product struct {
	ID    string
	Name  string
	Price int64
	Stock int
}

// Catalog resolves product ids within a tenant.
type Catalog interface {
	Product(ctx context.Context, tenantID, productID string) (*Product, error)
}

// OrderCreator emits a confirmed order to the commerce backend and returns
// an order reference for the customer.
type OrderCreator interface {
	CreateOrder(ctx context.Context, tenantID, contactID, productID string, quantity int, paymentMethod string) (string, error)
}
