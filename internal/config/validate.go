package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Validate checks business rules and fills derived fields. Load calls it.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreID) == "" {
		return fmt.Errorf("store_id is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("remote.base_url must be an absolute url (got %q)", c.Remote.BaseURL)
		}
	}

	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(c.Order.TaxRateRaw))
	if err != nil {
		return fmt.Errorf("order.tax_rate: invalid decimal %q", c.Order.TaxRateRaw)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("order.tax_rate must be in [0, 1) (got %s)", rate)
	}
	c.Order.TaxRate = rate

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}

	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when the dashboard is enabled")
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be > 0 (got %s)", s.Interval)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", s.BatchSize)
	}
	if s.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be > 0 (got %d)", s.MaxRetries)
	}
	if s.BackoffInitial <= 0 || s.BackoffMax < s.BackoffInitial {
		return fmt.Errorf("backoff_max (%s) must be >= backoff_initial (%s) > 0", s.BackoffMax, s.BackoffInitial)
	}
	return nil
}
