// Package config loads posd settings from a config file and POSD_*
// environment variables, and reloads them when the file changes.
package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration.
type Config struct {
	// StoreID identifies the register's store. Shifts and orders are scoped
	// to it.
	StoreID string `mapstructure:"store_id"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Shift     ShiftConfig     `mapstructure:"shift"`
	Order     OrderConfig     `mapstructure:"order"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig locates the local store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig holds backend connection settings. An empty BaseURL runs
// the register fully offline.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the coordinator.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// ShiftConfig tunes the shift manager's remote lookups.
type ShiftConfig struct {
	StaleTime     time.Duration `mapstructure:"stale_time"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

// OrderConfig holds order defaults.
type OrderConfig struct {
	// TaxRateRaw is the store tax rate as a decimal string ("0.16").
	TaxRateRaw string `mapstructure:"tax_rate"`

	// TaxRate is parsed from TaxRateRaw during validation.
	TaxRate decimal.Decimal `mapstructure:"-"`
}

// CatalogConfig points at reference data seeds.
type CatalogConfig struct {
	// SeedDir is watched by the daemon; *.yaml files dropped there are
	// imported.
	SeedDir string `mapstructure:"seed_dir"`
}

// DashboardConfig holds the status server settings.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	// File enables a rotating log file next to stderr output.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// defaults are registered with viper so every key is also bindable from
// the environment.
var defaults = map[string]any{
	"store_id":             "",
	"database.path":        "posd.db",
	"remote.base_url":      "",
	"remote.token":         "",
	"remote.timeout":       10 * time.Second,
	"sync.interval":        time.Minute,
	"sync.probe_interval":  15 * time.Second,
	"sync.batch_size":      50,
	"sync.max_retries":     10,
	"sync.backoff_initial": 2 * time.Second,
	"sync.backoff_max":     5 * time.Minute,
	"shift.stale_time":     5 * time.Minute,
	"shift.remote_timeout": 3 * time.Second,
	"order.tax_rate":       "0",
	"catalog.seed_dir":     "",
	"dashboard.enabled":    false,
	"dashboard.addr":       "127.0.0.1:8787",
	"log.level":            "info",
	"log.format":           "text",
	"log.file":             "",
	"log.max_size_mb":      20,
	"log.max_backups":      5,
	"log.max_age_days":     28,
}

// Offline reports whether no backend is configured.
func (c *Config) Offline() bool {
	return c.Remote.BaseURL == ""
}
