// Package remotetest provides an in-memory backend with the same method set
// as remote.Client, for tests and local demos.
//
// The fake honours idempotency keys the way the real backend does: a
// repeated key returns the original acknowledgement (flagged Duplicate) and
// never creates a second record.
package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cashpoint/posync/internal/remote"
	"github.com/cashpoint/posync/internal/schema"
)

// ErrOffline is returned by every call while the fake is offline. It is a
// transport error, hence retryable.
var ErrOffline = errors.New("remotetest: connection refused")

// Operation names accepted by FailNext and Calls.
const (
	OpPing           = "Ping"
	OpOpenShift      = "OpenShift"
	OpCloseShift     = "CloseShift"
	OpGetOpenShift   = "GetOpenShift"
	OpCreateOrder    = "CreateOrder"
	OpUpdateOrder    = "UpdateOrder"
	OpListOrders     = "ListOrders"
	OpListProducts   = "ListProducts"
	OpListCategories = "ListCategories"
	OpListCustomers  = "ListCustomers"
)

// Fake is a goroutine-safe in-memory backend.
type Fake struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int
	offline  bool
	failures map[string][]error
	calls    map[string]int
	keys     map[string]remote.Ack

	shifts     map[string]*schema.Shift
	orders     map[string]*schema.Order
	products   map[string]*schema.Product
	categories map[string]*schema.Category
	customers  map[string]*schema.Customer
}

// New returns an empty, online fake.
func New() *Fake {
	return &Fake{
		now:        time.Now,
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
		keys:       make(map[string]remote.Ack),
		shifts:     make(map[string]*schema.Shift),
		orders:     make(map[string]*schema.Order),
		products:   make(map[string]*schema.Product),
		categories: make(map[string]*schema.Category),
		customers:  make(map[string]*schema.Customer),
	}
}

// SetClock replaces the time source used for server-side updated_at.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetOffline makes every call fail with ErrOffline while on is true.
func (f *Fake) SetOffline(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = on
}

// FailNext queues errors returned by the next calls of op, one per call.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Status builds a StatusError for use with FailNext.
func Status(code int) error {
	return &remote.StatusError{Method: "FAKE", Path: "/", Code: code, Body: []byte(http.StatusText(code))}
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// begin records the call and returns the injected error, if any. Callers
// hold f.mu.
func (f *Fake) begin(op string) error {
	f.calls[op]++
	if f.offline {
		return ErrOffline
	}
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("srv-%s-%d", prefix, f.seq)
}

// clone deep-copies v so callers never share memory with the fake.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// Ping implements the health probe.
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begin(OpPing)
}

// OpenShift stores a new open shift. A second open shift for the same store
// is rejected with 409 and no body.
func (f *Fake) OpenShift(ctx context.Context, key string, s *schema.Shift) (remote.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpOpenShift); err != nil {
		return remote.Ack{}, err
	}
	if ack, ok := f.keys[key]; ok {
		ack.Duplicate = true
		return ack, nil
	}
	for _, existing := range f.shifts {
		if existing.StoreID == s.StoreID && existing.Status == schema.ShiftStatusOpen {
			return remote.Ack{}, &remote.StatusError{Method: http.MethodPost, Path: "/shifts/open", Code: http.StatusConflict}
		}
	}

	stored := clone(s)
	stored.ID = f.nextID("shift")
	stored.ServerID = stored.ID
	stored.SyncStatus = schema.SyncStatusSynced
	stored.UpdatedAt = f.now().UTC()
	f.shifts[stored.ID] = stored

	ack := remote.Ack{ID: stored.ID, UpdatedAt: stored.UpdatedAt}
	f.keys[key] = ack
	return ack, nil
}

// CloseShift closes the shift named by closure.Shift.ID.
func (f *Fake) CloseShift(ctx context.Context, key string, closure *schema.ShiftClosure) (remote.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCloseShift); err != nil {
		return remote.Ack{}, err
	}
	if ack, ok := f.keys[key]; ok {
		ack.Duplicate = true
		return ack, nil
	}
	stored, ok := f.shifts[closure.Shift.ID]
	if !ok {
		return remote.Ack{}, &remote.StatusError{Method: http.MethodPost, Path: "/shifts/close", Code: http.StatusNotFound}
	}

	closed := clone(&closure.Shift)
	closed.ID = stored.ID
	closed.ServerID = stored.ID
	closed.SyncStatus = schema.SyncStatusSynced
	closed.UpdatedAt = f.now().UTC()
	f.shifts[stored.ID] = closed

	ack := remote.Ack{ID: stored.ID, UpdatedAt: closed.UpdatedAt}
	f.keys[key] = ack
	return ack, nil
}

// GetOpenShift returns the store's open shift or nil.
func (f *Fake) GetOpenShift(ctx context.Context, storeID string) (*schema.Shift, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpGetOpenShift); err != nil {
		return nil, err
	}
	for _, s := range f.shifts {
		if s.StoreID == storeID && s.Status == schema.ShiftStatusOpen {
			return clone(s), nil
		}
	}
	return nil, nil
}

// CreateOrder stores a new order.
func (f *Fake) CreateOrder(ctx context.Context, key string, o *schema.Order) (remote.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateOrder); err != nil {
		return remote.Ack{}, err
	}
	if ack, ok := f.keys[key]; ok {
		ack.Duplicate = true
		return ack, nil
	}

	stored := clone(o)
	stored.ID = f.nextID("order")
	stored.ServerID = stored.ID
	stored.SyncStatus = schema.SyncStatusSynced
	stored.UpdatedAt = f.now().UTC()
	f.orders[stored.ID] = stored

	ack := remote.Ack{ID: stored.ID, UpdatedAt: stored.UpdatedAt}
	f.keys[key] = ack
	return ack, nil
}

// UpdateOrder replaces the stored snapshot of serverID.
func (f *Fake) UpdateOrder(ctx context.Context, key, serverID string, o *schema.Order) (remote.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpUpdateOrder); err != nil {
		return remote.Ack{}, err
	}
	if ack, ok := f.keys[key]; ok {
		ack.Duplicate = true
		return ack, nil
	}
	if _, ok := f.orders[serverID]; !ok {
		return remote.Ack{}, &remote.StatusError{Method: http.MethodPut, Path: "/orders/" + serverID, Code: http.StatusNotFound}
	}

	stored := clone(o)
	stored.ID = serverID
	stored.ServerID = serverID
	stored.SyncStatus = schema.SyncStatusSynced
	stored.UpdatedAt = f.now().UTC()
	f.orders[serverID] = stored

	ack := remote.Ack{ID: serverID, UpdatedAt: stored.UpdatedAt}
	f.keys[key] = ack
	return ack, nil
}

// ListOrders returns the store's orders changed at or after since.
func (f *Fake) ListOrders(ctx context.Context, storeID string, since time.Time) ([]*schema.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpListOrders); err != nil {
		return nil, err
	}
	var out []*schema.Order
	for _, o := range f.orders {
		if o.StoreID == storeID && !o.UpdatedAt.Before(since) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ListProducts returns products changed at or after since.
func (f *Fake) ListProducts(ctx context.Context, since time.Time) ([]*schema.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpListProducts); err != nil {
		return nil, err
	}
	return listSince(f.products, since), nil
}

// ListCategories returns categories changed at or after since.
func (f *Fake) ListCategories(ctx context.Context, since time.Time) ([]*schema.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpListCategories); err != nil {
		return nil, err
	}
	return listSince(f.categories, since), nil
}

// ListCustomers returns customers changed at or after since.
func (f *Fake) ListCustomers(ctx context.Context, since time.Time) ([]*schema.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpListCustomers); err != nil {
		return nil, err
	}
	return listSince(f.customers, since), nil
}

func listSince[T any, P interface {
	*T
	schema.Record
}](m map[string]P, since time.Time) []P {
	var out []P
	for _, r := range m {
		if !r.Base().UpdatedAt.Before(since) {
			out = append(out, P(clone((*T)(r))))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base().UpdatedAt.Before(out[j].Base().UpdatedAt) })
	return out
}

// Seeding and inspection helpers. Seeded records keep the id and updated_at
// they are given; a zero updated_at is set to now.

func (f *Fake) stamp(m *schema.Meta) {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = f.now().UTC()
	}
	m.ServerID = m.ID
	m.SyncStatus = schema.SyncStatusSynced
}

// SeedProducts adds products to the catalog.
func (f *Fake) SeedProducts(ps ...*schema.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range ps {
		c := clone(p)
		f.stamp(&c.Meta)
		f.products[c.ID] = c
	}
}

// SeedCategories adds categories.
func (f *Fake) SeedCategories(cs ...*schema.Category) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cs {
		cc := clone(c)
		f.stamp(&cc.Meta)
		f.categories[cc.ID] = cc
	}
}

// SeedCustomers adds customers.
func (f *Fake) SeedCustomers(cs ...*schema.Customer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cs {
		cc := clone(c)
		f.stamp(&cc.Meta)
		f.customers[cc.ID] = cc
	}
}

// SeedShift stores a shift as if another device had opened it.
func (f *Fake) SeedShift(s *schema.Shift) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := clone(s)
	f.stamp(&c.Meta)
	f.shifts[c.ID] = c
}

// SeedOrder stores or replaces an order as if another device had changed it.
func (f *Fake) SeedOrder(o *schema.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := clone(o)
	f.stamp(&c.Meta)
	f.orders[c.ID] = c
}

// Shifts returns every stored shift.
func (f *Fake) Shifts() []*schema.Shift {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*schema.Shift, 0, len(f.shifts))
	for _, s := range f.shifts {
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Orders returns every stored order.
func (f *Fake) Orders() []*schema.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*schema.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Order returns one stored order or nil.
func (f *Fake) Order(serverID string) *schema.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[serverID]; ok {
		return clone(o)
	}
	return nil
}
