package datastore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ProductsTable is the storefront catalog table.
const ProductsTable = "products"

type Product struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	ImageURL    string          `json:"image_url,omitempty"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SearchProducts returns products whose name or description contains term, ignoring case.
func (c *Client) SearchProducts(ctx context.Context, term string, limit int) ([]Product, error) {
	var products []Product
	err := c.Select(ctx, ProductsTable, Query{
		Or:    []ILike{Contains("name", term), Contains("description", term)},
		Order: "id.asc",
		Limit: limit,
	}, &products)
	return products, err
}

// ListProducts returns up to limit products ordered by id.
func (c *Client) ListProducts(ctx context.Context, limit int) ([]Product, error) {
	var products []Product
	err := c.Select(ctx, ProductsTable, Query{Order: "id.asc", Limit: limit}, &products)
	return products, err
}

// SetDescription replaces the description of one product and returns the updated row.
func (c *Client) SetDescription(ctx context.Context, id int64, description string) (Product, error) {
	var products []Product
	err := c.Update(ctx, ProductsTable, id, map[string]any{"description": description}, &products)
	if err != nil {
		return Product{}, err
	}
	if len(products) == 0 {
		return Product{}, ErrNotFound
	}
	return products[0], nil
}
