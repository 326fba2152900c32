package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cashpoint/posync/internal/catalog"
	"github.com/cashpoint/posync/internal/config"
	"github.com/cashpoint/posync/internal/connectivity"
	"github.com/cashpoint/posync/internal/logging"
	"github.com/cashpoint/posync/internal/order"
	"github.com/cashpoint/posync/internal/remote"
	"github.com/cashpoint/posync/internal/shift"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/outbox"
	"github.com/cashpoint/posync/internal/sync"
)

var errNoBackend = errors.New("no backend configured (set remote.base_url or POSD_REMOTE_BASE_URL)")

// app is everything a command needs, wired from the configuration.
type app struct {
	src *config.Source
	cfg *config.Config
	log *logging.Logger

	store   *db.DB
	outbox  *outbox.Outbox
	catalog *catalog.Importer
	shifts  *shift.Manager
	orders  *order.Manager

	// Nil when the register runs without a backend.
	client  *remote.Client
	monitor *connectivity.Monitor
	coord   *sync.Coordinator
}

func openApp(ctx context.Context) (*app, error) {
	src, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	cfg := src.Config()
	logCfg := cfg.Log
	if logLevel != "" {
		logCfg.Level = logLevel
	}

	a := &app{src: src, cfg: cfg, log: logging.New(logCfg, os.Stderr)}
	src.SetLogger(a.log.Logger)

	a.store, err = db.Open(ctx, cfg.Database.Path)
	if err != nil {
		_ = a.log.Close()
		return nil, err
	}
	a.outbox = outbox.New(a.store)
	a.catalog = catalog.NewImporter(a.store, a.log.Logger)

	shiftOpts := shift.Options{
		Store:         a.store,
		Outbox:        a.outbox,
		StaleTime:     cfg.Shift.StaleTime,
		RemoteTimeout: cfg.Shift.RemoteTimeout,
		Logger:        a.log.Logger,
	}
	orderOpts := order.Options{
		Store:   a.store,
		Outbox:  a.outbox,
		TaxRate: cfg.Order.TaxRate,
		Logger:  a.log.Logger,
	}

	if !cfg.Offline() {
		a.client, err = remote.NewClient(remote.Config{
			BaseURL: cfg.Remote.BaseURL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
		}, a.log.Logger)
		if err != nil {
			a.close()
			return nil, err
		}
		backoff := sync.DefaultBackoff()
		backoff.Initial = cfg.Sync.BackoffInitial
		backoff.Max = cfg.Sync.BackoffMax

		a.monitor = connectivity.NewMonitor(a.client, cfg.Sync.ProbeInterval, a.log.Logger)
		a.coord, err = sync.New(sync.Options{
			Store:        a.store,
			Outbox:       a.outbox,
			Remote:       a.client,
			Connectivity: a.monitor,
			StoreID:      cfg.StoreID,
			BatchSize:    cfg.Sync.BatchSize,
			MaxRetries:   cfg.Sync.MaxRetries,
			Backoff:      backoff,
			Metrics:      sync.NewMetrics(prometheus.DefaultRegisterer),
			Logger:       a.log.Logger,
		})
		if err != nil {
			a.close()
			return nil, err
		}

		shiftOpts.Remote = a.client
		shiftOpts.Connectivity = a.monitor
		shiftOpts.Sync = a.coord
		orderOpts.Sync = a.coord
	}

	a.shifts = shift.NewManager(shiftOpts)
	a.orders = order.NewManager(orderOpts)
	return a, nil
}

// requireBackend probes the backend once so that one-shot commands see the
// real connectivity state.
func (a *app) requireBackend(ctx context.Context) error {
	if a.coord == nil {
		return errNoBackend
	}
	if !a.monitor.Check(ctx) {
		return fmt.Errorf("%s: %w", a.cfg.Remote.BaseURL, sync.ErrOffline)
	}
	return nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close database", "error", err)
	}
	_ = a.log.Close()
}
