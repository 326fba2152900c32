// Package loadtest measures the local store under concurrent checkout load.
//
// Several simulated registers ring up and settle orders at the same time, as
// terminals sharing one store database would during a rush. Each checkout is
// a full order write with its outbox entry, so the latencies include the
// write lock wait.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cashpoint/posync/internal/order"
	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/outbox"
)

// Catalog is a generated product catalog.
type Catalog struct {
	ProductIDs []string
}

// LatencyStats captures checkout latencies.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Checkouts int
	Errors    int
	Elapsed   time.Duration
}

// Throughput returns completed checkouts per second.
func (s *LatencyStats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Checkouts) / s.Elapsed.Seconds()
}

// Populate writes numProducts synced products, as an initial sync would.
func Populate(ctx context.Context, store *db.DB, numProducts int) (*Catalog, error) {
	if numProducts <= 0 {
		return nil, fmt.Errorf("need at least one product (got %d)", numProducts)
	}
	c := &Catalog{ProductIDs: make([]string, 0, numProducts)}
	updated := time.Now().UTC().Add(-24 * time.Hour)

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		for i := 0; i < numProducts; i++ {
			id := fmt.Sprintf("bench-%05d", i)
			p := &schema.Product{
				Meta: schema.Meta{
					ID:         id,
					ServerID:   id,
					SyncStatus: schema.SyncStatusSynced,
					UpdatedAt:  updated,
				},
				Code:   fmt.Sprintf("B%05d", i),
				Name:   fmt.Sprintf("Bench product %d", i),
				Price:  decimal.NewFromInt(int64(1 + i%20)).Add(decimal.New(int64(i%4)*25, -2)),
				Active: true,
			}
			if err := store.Put(ctx, p); err != nil {
				return fmt.Errorf("failed to insert product %s: %w", id, err)
			}
			c.ProductIDs = append(c.ProductIDs, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RunCheckouts simulates numRegisters registers settling ordersPerRegister
// cash orders each, concurrently. Failed checkouts are counted, not fatal.
func RunCheckouts(ctx context.Context, store *db.DB, orders *order.Manager, storeID string, c *Catalog, numRegisters, ordersPerRegister int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numRegisters)
	errorsChan := make(chan error, numRegisters*ordersPerRegister)

	start := time.Now()
	for i := 0; i < numRegisters; i++ {
		wg.Add(1)
		go func(register int) {
			defer wg.Done()

			// deterministic basket mix per register
			rng := rand.New(rand.NewSource(int64(42 + register)))
			durations := make([]time.Duration, 0, ordersPerRegister)

			for j := 0; j < ordersPerRegister; j++ {
				began := time.Now()
				err := checkout(ctx, store, orders, storeID, c, rng)
				if err != nil {
					errorsChan <- fmt.Errorf("register %d order %d: %w", register, j, err)
					continue
				}
				durations = append(durations, time.Since(began))
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	var firstErr error
	errorCount := 0
	for err := range errorsChan {
		if firstErr == nil {
			firstErr = err
		}
		errorCount++
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no checkout completed: %w", firstErr)
	}
	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	stats.Elapsed = time.Since(start)
	return stats, nil
}

func checkout(ctx context.Context, store *db.DB, orders *order.Manager, storeID string, c *Catalog, rng *rand.Rand) error {
	o, err := orders.NewDraft(ctx, storeID)
	if err != nil {
		return err
	}
	lines := 1 + rng.Intn(4)
	for k := 0; k < lines; k++ {
		id := c.ProductIDs[rng.Intn(len(c.ProductIDs))]
		p, err := db.Get[schema.Product](ctx, store, id)
		if err != nil {
			return err
		}
		if _, err := o.AddItem(p, 1+rng.Intn(3)); err != nil {
			return err
		}
	}
	return orders.MarkAsPaid(ctx, o, schema.PaymentCash, o.Total)
}

// CheckConsistency verifies what the run left behind: every paid order has
// exactly one pending outbox entry and order numbers are unique per store.
func CheckConsistency(ctx context.Context, store *db.DB, ob *outbox.Outbox) error {
	paid, err := store.ListOrders(ctx, schema.OrderStatusPaid)
	if err != nil {
		return err
	}
	entries, err := ob.DequeueBatch(ctx, schema.EntityOrder, 0)
	if err != nil {
		return err
	}

	perOrder := make(map[string]int, len(entries))
	for _, e := range entries {
		perOrder[e.EntityLocalID]++
	}
	numbers := make(map[string]string, len(paid))
	for _, o := range paid {
		if n := perOrder[o.ID]; n != 1 {
			return fmt.Errorf("order %s has %d outbox entries, want 1", o.ID, n)
		}
		key := fmt.Sprintf("%s/%d", o.StoreID, o.OrderNumber)
		if other, dup := numbers[key]; dup {
			return fmt.Errorf("orders %s and %s share number %d", other, o.ID, o.OrderNumber)
		}
		numbers[key] = o.ID
	}
	if len(entries) != len(paid) {
		return fmt.Errorf("%d order entries for %d paid orders", len(entries), len(paid))
	}
	return nil
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(sorted)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Checkouts: len(sorted),
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Checkout latency:\n")
	fmt.Fprintf(w, "  Checkouts:     %d\n", s.Checkouts)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Throughput:    %.1f/s\n", s.Throughput())
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
