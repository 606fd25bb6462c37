package orderflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCommerce backs Catalog and OrderCreator with PostgreSQL. Order
// placement and the stock decrement happen in one transaction so two
// contacts cannot both buy the last unit.
type PostgresCommerce struct {
	pool *pgxpool.Pool
}

func NewPostgresCommerce(ctx context.Context, databaseURL string) (*PostgresCommerce, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initCommerceSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresCommerce{pool: pool}, nil
}

func initCommerceSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS products (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			price BIGINT NOT NULL,
			stock INT NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			ref TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			quantity INT NOT NULL,
			payment_method TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_tenant_contact ON orders (tenant_id, contact_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init commerce schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (c *PostgresCommerce) Product(ctx context.Context, tenantID, productID string) (*Product, error) {
	var p Product
	err := c.pool.QueryRow(ctx,
		`SELECT id, name, price, stock FROM products WHERE tenant_id = $1 AND id = $2`,
		tenantID, productID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup product %s/%s: %w", tenantID, productID, err)
	}
	return &p, nil
}

func (c *PostgresCommerce) UpsertProduct(ctx context.Context, tenantID string, p Product) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO products (tenant_id, id, name, price, stock)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, id)
		 DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock`,
		tenantID, p.ID, p.Name, p.Price, p.Stock,
	)
	return err
}

func (c *PostgresCommerce) CreateOrder(ctx context.Context, tenantID, contactID, productID string, quantity int, payment string) (string, error) {
	ref := "ORD-" + strings.ToUpper(uuid.NewString()[:8])

	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE products SET stock = stock - $3
			 WHERE tenant_id = $1 AND id = $2 AND stock >= $3`,
			tenantID, productID, quantity,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("insufficient stock for %s/%s", tenantID, productID)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO orders (ref, tenant_id, contact_id, product_id, quantity, payment_method)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ref, tenantID, contactID, productID, quantity, payment,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create order for %s/%s: %w", tenantID, contactID, err)
	}
	return ref, nil
}

func (c *PostgresCommerce) Close() {
	c.pool.Close()
}
