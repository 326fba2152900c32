package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no transition out of s exists.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCancelled
}

// PaymentMethod records how a paid order was settled.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentMixed  PaymentMethod = "mixed"
	PaymentCredit PaymentMethod = "credit"
)

// IsValid reports whether m is a known payment method.
func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentMixed, PaymentCredit:
		return true
	}
	return false
}

// Order is a sale being built or already settled. Items are owned by the
// order; derived totals are recomputed by every mutating method.
type Order struct {
	Meta
	OrderNumber int64       `json:"order_number"`
	StoreID     string      `json:"store_id"`
	ShiftID     string      `json:"shift_id,omitempty"`
	CustomerID  string      `json:"customer_id,omitempty"`
	TableID     string      `json:"table_id,omitempty"`
	Status      OrderStatus `json:"status"`

	Subtotal decimal.Decimal `json:"subtotal"`
	TaxRate  decimal.Decimal `json:"tax_rate"`
	Taxes    decimal.Decimal `json:"taxes"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`

	PaymentMethod PaymentMethod    `json:"payment_method,omitempty"`
	AmountPaid    *decimal.Decimal `json:"amount_paid,omitempty"`
	Change        *decimal.Decimal `json:"change,omitempty"`
	PaidAt        *time.Time       `json:"paid_at,omitempty"`
	CancelledAt   *time.Time       `json:"cancelled_at,omitempty"`

	CreatedAt time.Time   `json:"created_at"`
	Items     []OrderItem `json:"items"`
}

func (o *Order) EntityType() EntityType { return EntityOrder }

func (o *Order) Indexes() map[string]any {
	return map[string]any{
		"status":   string(o.Status),
		"store_id": o.StoreID,
		"shift_id": nullIfEmpty(o.ShiftID),
	}
}

// OrderItem is a line of an order. ProductName is a snapshot taken when the
// item was added so later catalog edits do not rewrite past sales.
type OrderItem struct {
	Meta
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

func (i *OrderItem) EntityType() EntityType { return EntityOrderItem }

func (i *OrderItem) Indexes() map[string]any {
	return map[string]any{"order_id": i.OrderID}
}

// NewOrder returns an empty draft with a freshly minted local id.
func NewOrder(storeID string) *Order {
	now := time.Now().UTC()
	o := &Order{
		Meta: Meta{
			ID:         NewLocalID(PrefixOrder),
			SyncStatus: SyncStatusPending,
			UpdatedAt:  now,
		},
		StoreID:   storeID,
		Status:    OrderStatusDraft,
		CreatedAt: now,
		Items:     []OrderItem{},
	}
	o.Recompute()
	return o
}

// AddItem appends quantity units of p, or increases the quantity of an
// existing line for the same product and price. It returns a copy of the
// resulting line; later changes go through the order by item id.
func (o *Order) AddItem(p *Product, quantity int) (OrderItem, error) {
	if err := o.ensureMutable(); err != nil {
		return OrderItem{}, err
	}
	if p == nil || p.ID == "" {
		return OrderItem{}, NewValidationError("product", "is required")
	}
	if quantity <= 0 {
		return OrderItem{}, NewValidationError("quantity", "must be positive")
	}

	price := RoundMoney(p.Price)
	for i := range o.Items {
		if o.Items[i].ProductID == p.ID && o.Items[i].UnitPrice.Equal(price) {
			o.Items[i].Quantity += quantity
			o.Recompute()
			return o.Items[i], nil
		}
	}

	o.Items = append(o.Items, OrderItem{
		Meta: Meta{
			ID:         NewLocalID(PrefixOrderItem),
			SyncStatus: SyncStatusPending,
			UpdatedAt:  time.Now().UTC(),
		},
		OrderID:     o.ID,
		ProductID:   p.ID,
		ProductName: p.Name,
		Quantity:    quantity,
		UnitPrice:   price,
	})
	o.Recompute()
	return o.Items[len(o.Items)-1], nil
}

// UpdateQuantity sets the quantity of an item; a quantity of zero or less
// removes it.
func (o *Order) UpdateQuantity(itemID string, quantity int) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if quantity <= 0 {
		return o.RemoveItem(itemID)
	}
	idx := o.itemIndex(itemID)
	if idx < 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	o.Items[idx].Quantity = quantity
	o.Recompute()
	return nil
}

// RemoveItem drops an item from the order.
func (o *Order) RemoveItem(itemID string) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	idx := o.itemIndex(itemID)
	if idx < 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	o.Items = append(o.Items[:idx], o.Items[idx+1:]...)
	o.Recompute()
	return nil
}

// SetCustomer attaches a customer; an empty id detaches it.
func (o *Order) SetCustomer(customerID string) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	o.CustomerID = customerID
	return nil
}

// SetTable attaches a table; an empty id detaches it.
func (o *Order) SetTable(tableID string) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	o.TableID = tableID
	return nil
}

// SetDiscount sets an absolute discount amount.
func (o *Order) SetDiscount(amount decimal.Decimal) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if amount.IsNegative() {
		return NewValidationError("discount", "must not be negative")
	}
	o.Discount = RoundMoney(amount)
	o.Recompute()
	return nil
}

// SetTaxRate sets the tax rate applied to the subtotal (0.16 = 16%).
func (o *Order) SetTaxRate(rate decimal.Decimal) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if rate.IsNegative() {
		return NewValidationError("tax_rate", "must not be negative")
	}
	o.TaxRate = rate
	o.Recompute()
	return nil
}

// Recompute derives item totals, subtotal, taxes and total from the items.
// Cached totals are never trusted.
func (o *Order) Recompute() {
	subtotal := decimal.Zero
	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		it.Total = RoundMoney(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		subtotal = subtotal.Add(it.Total)
	}
	o.Subtotal = RoundMoney(subtotal)
	o.Taxes = RoundMoney(o.Subtotal.Mul(o.TaxRate))
	o.Discount = RoundMoney(o.Discount)
	o.Total = RoundMoney(o.Subtotal.Sub(o.Discount).Add(o.Taxes))
}

// ItemCount returns the total number of units in the order.
func (o *Order) ItemCount() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// Validate checks if the Order has valid field values and consistent totals.
func (o *Order) Validate() error {
	var v validator
	v.check(o.ID != "", "id", "is required")
	v.check(o.StoreID != "", "store_id", "is required")
	switch o.Status {
	case OrderStatusDraft, OrderStatusPaid, OrderStatusCancelled:
	default:
		v.check(false, "status", fmt.Sprintf("unknown status %q", o.Status))
	}
	v.check(!o.Discount.IsNegative(), "discount", "must not be negative")
	v.check(!o.Total.IsNegative(), "total", "discount exceeds subtotal plus taxes")

	sum := decimal.Zero
	for i, it := range o.Items {
		field := fmt.Sprintf("items[%d]", i)
		v.check(it.ID != "", field+".id", "is required")
		v.check(it.ProductID != "", field+".product_id", "is required")
		v.check(it.Quantity >= 0, field+".quantity", "must not be negative")
		v.check(it.Total.Equal(RoundMoney(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))),
			field+".total", "does not equal quantity x unit_price")
		sum = sum.Add(it.Total)
	}
	v.check(o.Subtotal.Equal(RoundMoney(sum)), "subtotal", "does not equal the sum of item totals")
	v.check(o.Total.Equal(RoundMoney(o.Subtotal.Sub(o.Discount).Add(o.Taxes))), "total",
		"does not equal subtotal - discount + taxes")

	if o.Status == OrderStatusPaid {
		v.check(o.PaidAt != nil, "paid_at", "is required for paid orders")
		v.check(o.PaymentMethod.IsValid(), "payment_method", "is required for paid orders")
	}
	return v.err()
}

// MarkPaid moves a draft to paid. amountPaid must cover the total for cash
// payments; change is recorded.
func (o *Order) MarkPaid(method PaymentMethod, amountPaid decimal.Decimal, now time.Time) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if !method.IsValid() {
		return NewValidationError("payment_method", fmt.Sprintf("unknown method %q", method))
	}
	if len(o.Items) == 0 {
		return NewValidationError("items", "cannot pay an empty order")
	}
	o.Recompute()
	if amountPaid.LessThan(o.Total) {
		return NewValidationError("amount_paid", fmt.Sprintf("%s does not cover total %s",
			amountPaid.StringFixed(moneyPlaces), o.Total.StringFixed(moneyPlaces)))
	}

	paidAt := now.UTC()
	o.Status = OrderStatusPaid
	o.PaymentMethod = method
	o.AmountPaid = decimalPtr(amountPaid)
	o.Change = decimalPtr(amountPaid.Sub(o.Total))
	o.PaidAt = &paidAt
	return nil
}

// MarkCancelled moves a draft to cancelled.
func (o *Order) MarkCancelled(now time.Time) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	at := now.UTC()
	o.Status = OrderStatusCancelled
	o.CancelledAt = &at
	return nil
}

func (o *Order) ensureMutable() error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrTerminalOrder)
	}
	return nil
}

func (o *Order) itemIndex(itemID string) int {
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}
