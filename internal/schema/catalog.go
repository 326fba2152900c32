package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Product is reference data pulled from the backend.
type Product struct {
	Meta
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	CategoryID string          `json:"category_id,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Active     bool            `json:"active"`
}

func (p *Product) EntityType() EntityType { return EntityProduct }

func (p *Product) Indexes() map[string]any {
	return map[string]any{
		"code":        p.Code,
		"category_id": nullIfEmpty(p.CategoryID),
	}
}

// Validate checks if the Product has valid field values.
func (p *Product) Validate() error {
	var v validator
	v.check(p.ID != "", "id", "is required")
	v.check(strings.TrimSpace(p.Name) != "", "name", "is required")
	v.check(!p.Price.IsNegative(), "price", "must not be negative")
	return v.err()
}

// Category groups products.
type Category struct {
	Meta
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

func (c *Category) EntityType() EntityType { return EntityCategory }

func (c *Category) Indexes() map[string]any { return nil }

// Validate checks if the Category has valid field values.
func (c *Category) Validate() error {
	var v validator
	v.check(c.ID != "", "id", "is required")
	v.check(strings.TrimSpace(c.Name) != "", "name", "is required")
	return v.err()
}

// Customer is reference data pulled from the backend.
type Customer struct {
	Meta
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

func (c *Customer) EntityType() EntityType { return EntityCustomer }

func (c *Customer) Indexes() map[string]any {
	return map[string]any{"phone": nullIfEmpty(c.Phone)}
}

// Validate checks if the Customer has valid field values.
func (c *Customer) Validate() error {
	var v validator
	v.check(c.ID != "", "id", "is required")
	v.check(strings.TrimSpace(c.Name) != "", "name", "is required")
	return v.err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
