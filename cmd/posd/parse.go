package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/shopspring/decimal"

	"github.com/cashpoint/posync/internal/schema"
)

var naturalDates = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince turns a --since value into an instant. It accepts a duration
// back from now ("90m"), a date ("2025-03-01"), RFC 3339, or natural
// language ("yesterday", "last monday").
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration %q must be positive", s)
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	r, err := naturalDates.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

// parseMoney parses a non-negative amount.
func parseMoney(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

// splitPair splits "id:value". The value part defaults to def when absent.
func splitPair(s, def string) (string, string, error) {
	id, value, found := strings.Cut(strings.TrimSpace(s), ":")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "", fmt.Errorf("missing id in %q", s)
	}
	if !found {
		return id, def, nil
	}
	return id, strings.TrimSpace(value), nil
}

// parseItem parses an --item value: "PRODUCT_ID[:QTY]".
func parseItem(s string) (productID string, qty int, err error) {
	productID, raw, err := splitPair(s, "1")
	if err != nil {
		return "", 0, err
	}
	qty, err = strconv.Atoi(raw)
	if err != nil || qty <= 0 {
		return "", 0, fmt.Errorf("item %q: quantity must be a positive integer", s)
	}
	return productID, qty, nil
}

// parseCount parses a --count value: "PRODUCT_ID:COUNTED".
func parseCount(s string) (schema.InventoryEntry, error) {
	productID, raw, err := splitPair(s, "")
	if err != nil {
		return schema.InventoryEntry{}, err
	}
	if raw == "" {
		return schema.InventoryEntry{}, fmt.Errorf("count %q: expected PRODUCT_ID:COUNTED", s)
	}
	counted, err := parseMoney("count "+productID, raw)
	if err != nil {
		return schema.InventoryEntry{}, err
	}
	return schema.InventoryEntry{ProductID: productID, Counted: counted}, nil
}

func parseOrderStatus(s string) (schema.OrderStatus, error) {
	switch st := schema.OrderStatus(strings.ToLower(s)); st {
	case "", "all":
		return "", nil
	case schema.OrderStatusDraft, schema.OrderStatusPaid, schema.OrderStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q (draft, paid, cancelled)", s)
}

func parsePaymentMethod(s string) (schema.PaymentMethod, error) {
	m := schema.PaymentMethod(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("unknown payment method %q (cash, card, mixed, credit)", s)
	}
	return m, nil
}
