package sync

import (
	"context"
	"time"

	"github.com/cashpoint/posync/internal/remote"
	"github.com/cashpoint/posync/internal/schema"
)

// Remote is the subset of the backend API the coordinator uses. It is
// satisfied by *remote.Client and *remotetest.Fake.
type Remote interface {
	OpenShift(ctx context.Context, key string, s *schema.Shift) (remote.Ack, error)
	CloseShift(ctx context.Context, key string, closure *schema.ShiftClosure) (remote.Ack, error)
	CreateOrder(ctx context.Context, key string, o *schema.Order) (remote.Ack, error)
	UpdateOrder(ctx context.Context, key, serverID string, o *schema.Order) (remote.Ack, error)

	ListOrders(ctx context.Context, storeID string, since time.Time) ([]*schema.Order, error)
	ListProducts(ctx context.Context, since time.Time) ([]*schema.Product, error)
	ListCategories(ctx context.Context, since time.Time) ([]*schema.Category, error)
	ListCustomers(ctx context.Context, since time.Time) ([]*schema.Customer, error)
}

// Connectivity is the host's online signal.
type Connectivity interface {
	Online() bool
	Subscribe() <-chan bool
}

// alwaysOnline is used when no connectivity signal is configured.
type alwaysOnline struct{}

func (alwaysOnline) Online() bool           { return true }
func (alwaysOnline) Subscribe() <-chan bool { return nil }
