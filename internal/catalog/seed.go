// Package catalog imports reference data (categories, products, customers)
// from YAML seed files, so a register can take orders on first boot before
// the backend was ever reached.
//
// Seed records carry backend ids. They are stored as synced and never
// overwrite a local copy that is newer or still waiting to be pushed.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
)

// SeedFile is the on-disk format.
//
// Example:
//
//	version: 2025-03-01T00:00:00Z
//	categories:
//	  - id: cat-drinks
//	    name: Drinks
//	products:
//	  - id: p-coffee
//	    code: COF
//	    name: Coffee
//	    category_id: cat-drinks
//	    price: "2.50"
type SeedFile struct {
	// Version stamps every seeded record's updated_at, so a later pull of
	// the same record from the backend wins.
	Version    time.Time      `yaml:"version"`
	Categories []CategorySeed `yaml:"categories"`
	Products   []ProductSeed  `yaml:"products"`
	Customers  []CustomerSeed `yaml:"customers"`
}

type CategorySeed struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	ParentID string `yaml:"parent_id,omitempty"`
}

type ProductSeed struct {
	ID         string `yaml:"id"`
	Code       string `yaml:"code"`
	Name       string `yaml:"name"`
	CategoryID string `yaml:"category_id,omitempty"`
	Price      string `yaml:"price"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active,omitempty"`
}

type CustomerSeed struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Phone string `yaml:"phone,omitempty"`
	Email string `yaml:"email,omitempty"`
}

// Result counts what an import did per entity type.
type Result struct {
	Imported map[schema.EntityType]int
	Skipped  map[schema.EntityType]int
}

// Total returns the number of imported records.
func (r Result) Total() int {
	n := 0
	for _, v := range r.Imported {
		n += v
	}
	return n
}

// Importer writes seed files into the local store.
type Importer struct {
	store *db.DB
	log   *slog.Logger
}

// NewImporter creates an Importer.
func NewImporter(store *db.DB, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, log: logger.With("component", "catalog")}
}

// Parse decodes a seed file. Unknown keys are rejected so that a typo does
// not silently drop data.
func Parse(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f SeedFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &f, nil
}

// ImportFile parses and imports the seed file at path.
func (im *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	// #nosec G304 - operator supplied path
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	seed, err := Parse(f)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}

	res, err := im.Import(ctx, seed)
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}
	im.log.Info("seed imported",
		slog.String("path", path),
		slog.Int("imported", res.Total()),
	)
	return res, nil
}

// Import writes every record of seed in one transaction. Categories go
// first so products can reference them. An invalid record aborts the whole
// import.
func (im *Importer) Import(ctx context.Context, seed *SeedFile) (Result, error) {
	res := Result{
		Imported: make(map[schema.EntityType]int),
		Skipped:  make(map[schema.EntityType]int),
	}

	records, err := seed.records()
	if err != nil {
		return res, err
	}

	err = im.store.RunInTx(ctx, func(ctx context.Context) error {
		for _, rec := range records {
			ok, err := im.apply(ctx, rec)
			if err != nil {
				return err
			}
			if ok {
				res.Imported[rec.EntityType()]++
			} else {
				res.Skipped[rec.EntityType()]++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// apply stores rec unless the local copy must be kept.
func (im *Importer) apply(ctx context.Context, rec schema.Record) (bool, error) {
	meta := rec.Base()

	var (
		existing *schema.Meta
		err      error
	)
	switch rec.(type) {
	case *schema.Category:
		existing, err = lookup[schema.Category](ctx, im.store, meta.ID)
	case *schema.Product:
		existing, err = lookup[schema.Product](ctx, im.store, meta.ID)
	case *schema.Customer:
		existing, err = lookup[schema.Customer](ctx, im.store, meta.ID)
	}
	if err != nil {
		return false, err
	}
	if existing != nil {
		if existing.SyncStatus == schema.SyncStatusPending || !existing.UpdatedAt.Before(meta.UpdatedAt) {
			im.log.Debug("seed record kept local copy",
				slog.String("entity_type", string(rec.EntityType())),
				slog.String("id", meta.ID),
			)
			return false, nil
		}
	}

	if err := im.store.Put(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// lookup returns the stored bookkeeping of id, nil when absent.
func lookup[T any, P interface {
	*T
	schema.Record
}](ctx context.Context, store *db.DB, id string) (*schema.Meta, error) {
	rec, err := db.Get[T, P](ctx, store, id)
	switch {
	case errors.Is(err, schema.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return rec.Base(), nil
}

// records converts the seed into validated store records.
func (f *SeedFile) records() ([]schema.Record, error) {
	version := f.Version.UTC()
	if version.IsZero() {
		version = time.Unix(0, 0).UTC()
	}
	meta := func(id string) schema.Meta {
		return schema.Meta{
			ID:         id,
			ServerID:   id,
			SyncStatus: schema.SyncStatusSynced,
			UpdatedAt:  version,
		}
	}

	var out []schema.Record
	add := func(rec interface {
		schema.Record
		Validate() error
	}, pos string) error {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("%s: %w", pos, err)
		}
		out = append(out, rec)
		return nil
	}

	for i, c := range f.Categories {
		rec := &schema.Category{Meta: meta(c.ID), Name: c.Name, ParentID: c.ParentID}
		if err := add(rec, fmt.Sprintf("categories[%d]", i)); err != nil {
			return nil, err
		}
	}
	for i, p := range f.Products {
		pos := fmt.Sprintf("products[%d]", i)
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pos, schema.NewValidationError("price", "is not a decimal"))
		}
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		rec := &schema.Product{
			Meta:       meta(p.ID),
			Code:       p.Code,
			Name:       p.Name,
			CategoryID: p.CategoryID,
			Price:      schema.RoundMoney(price),
			Active:     active,
		}
		if err := add(rec, pos); err != nil {
			return nil, err
		}
	}
	for i, c := range f.Customers {
		rec := &schema.Customer{Meta: meta(c.ID), Name: c.Name, Phone: c.Phone, Email: c.Email}
		if err := add(rec, fmt.Sprintf("customers[%d]", i)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
