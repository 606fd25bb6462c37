package orderflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryCommerce backs both Catalog and OrderCreator in memory. It is the
// driver for tests and for running without a database.
type MemoryCommerce struct {
	mu       sync.Mutex
	products map[string]map[string]*Product // tenant -> product id
	orders   []PlacedOrder
}

type PlacedOrder struct {
	Ref           string
	TenantID      string
	ContactID     string
	ProductID     string
	Quantity      int
	PaymentMethod string
}

func NewMemoryCommerce() *MemoryCommerce {
	return &MemoryCommerce{products: make(map[string]map[string]*Product)}
}

// UpsertProduct adds or replaces a product in a tenant's catalog.
func (c *MemoryCommerce) UpsertProduct(tenantID string, p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.products[tenantID] == nil {
		c.products[tenantID] = make(map[string]*Product)
	}
	cp := p
	c.products[tenantID][p.ID] = &cp
}

func (c *MemoryCommerce) Product(_ context.Context, tenantID, productID string) (*Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[tenantID][productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (c *MemoryCommerce) CreateOrder(_ context.Context, tenantID, contactID, productID string, quantity int, payment string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.products[tenantID][productID]
	if !ok {
		return "", ErrProductNotFound
	}
	if p.Stock < quantity {
		return "", fmt.Errorf("insufficient stock for %s: have %d, want %d", productID, p.Stock, quantity)
	}
	p.Stock -= quantity

	ref := "ORD-" + strings.ToUpper(uuid.NewString()[:8])
	c.orders = append(c.orders, PlacedOrder{
		Ref:           ref,
		TenantID:      tenantID,
		ContactID:     contactID,
		ProductID:     productID,
		Quantity:      quantity,
		PaymentMethod: payment,
	})
	return ref, nil
}

// Orders returns a copy of everything placed so far.
func (c *MemoryCommerce) Orders() []PlacedOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PlacedOrder, len(c.orders))
	copy(out, c.orders)
	return out
}
