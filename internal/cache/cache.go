// Package cache keeps a pull-through mirror of the patient registry,
// refreshed on a TTL and replaced wholesale on every refresh because row
// identity is positional.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/registry"
	"github.com/clinicware/patientflow/internal/sheet"
)

// ErrStaleHandle is returned when a write-back uses a handle taken before
// the most recent refresh. Row positions shift on refresh, so writing
// through a stale handle could hit the wrong patient.
var ErrStaleHandle = errors.New("cache: stale row handle")

type Config struct {
	TTL            time.Duration
	DefaultAddress string
	DefaultStatus  string
}

// Handle identifies a row in the current mirror generation. It must not be
// held across a refresh boundary.
type Handle struct {
	gen uint64
	idx int
}

type Cache struct {
	reg registry.Registry
	res *phone.Resolver
	log *slog.Logger
	cfg Config

	recs        []Record
	gen         uint64
	refreshedAt time.Time

	onStoreError func(error)
	now          func() time.Time
}

func New(reg registry.Registry, res *phone.Resolver, logger *slog.Logger, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.DefaultStatus == "" {
		cfg.DefaultStatus = StatusPending
	}
	return &Cache{
		reg: reg,
		res: res,
		log: logger,
		cfg: cfg,
		now: time.Now,
	}
}

// SetClock overrides the time source (tests).
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// SetStoreErrorHook installs the recovery callback invoked when a bulk read
// from the registry fails.
func (c *Cache) SetStoreErrorHook(f func(error)) { c.onStoreError = f }

func (c *Cache) Generation() uint64     { return c.gen }
func (c *Cache) RefreshedAt() time.Time { return c.refreshedAt }

// Records returns the current mirror. The slice is owned by the cache and
// only valid until the next refresh; callers run on the orchestrator queue
// and must not retain it.
func (c *Cache) Records() []Record { return c.recs }

// EnsureFresh refreshes the mirror when it is older than the TTL or empty.
func (c *Cache) EnsureFresh(ctx context.Context) error {
	if c.now().Sub(c.refreshedAt) <= c.cfg.TTL && len(c.recs) > 0 {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh replaces the whole mirror from the registry, repairing serial
// date/time encodings and backfilling missing mandatory fields.
func (c *Cache) Refresh(ctx context.Context) error {
	rows, err := c.reg.ReadRows(ctx)
	if err != nil {
		if c.onStoreError != nil {
			c.onStoreError(err)
		}
		return fmt.Errorf("cache refresh: %w", err)
	}

	recs := make([]Record, 0, len(rows))
	for _, row := range rows {
		if emptyRow(row) {
			continue
		}
		c.repairRow(&row)
		recs = append(recs, parseRecord(row))
	}

	c.recs = recs
	c.gen++
	c.refreshedAt = c.now()

	c.backfillDefaults(ctx)
	return nil
}

func (c *Cache) repairRow(row *registry.Row) {
	for len(row.Cells) < registry.RowWidth {
		row.Cells = append(row.Cells, "")
	}
	for _, col := range []string{registry.ColDate, registry.ColBirthDate} {
		i := registry.CellIndex(col)
		repaired, changed := sheet.RepairDate(row.Cells[i])
		if changed {
			row.Cells[i] = repaired
		} else if looksMalformedDate(row.Cells[i]) {
			c.log.Warn("unparseable date cell", "row", row.Num, "col", col, "value", row.Cells[i])
		}
	}
	i := registry.CellIndex(registry.ColTime)
	if repaired, changed := sheet.RepairTime(row.Cells[i]); changed {
		row.Cells[i] = repaired
	}
}

func looksMalformedDate(cell string) bool {
	if cell == "" {
		return false
	}
	if _, err := sheet.ParseDate(cell); err != nil {
		return true
	}
	return false
}

// backfillDefaults writes the default address and status into rows missing
// them, both in the mirror and through to the registry. Write failures are
// logged and do not abort the refresh.
func (c *Cache) backfillDefaults(ctx context.Context) {
	for i := range c.recs {
		rec := &c.recs[i]
		if c.res.Normalize(rec.RawPhone) == "" {
			continue
		}
		if rec.Address == "" && c.cfg.DefaultAddress != "" {
			rec.Address = c.cfg.DefaultAddress
			if err := c.reg.WriteCell(ctx, rec.rowNum, registry.ColAddress, c.cfg.DefaultAddress); err != nil {
				c.log.Error("address backfill failed", "row", rec.rowNum, "err", err)
			}
		}
		if rec.Status == "" {
			rec.Status = c.cfg.DefaultStatus
			if err := c.reg.WriteCell(ctx, rec.rowNum, registry.ColStatus, c.cfg.DefaultStatus); err != nil {
				c.log.Error("status backfill failed", "row", rec.rowNum, "err", err)
			}
		}
	}
}

// HandleAt returns a write handle for the i-th record of the current
// generation.
func (c *Cache) HandleAt(i int) Handle {
	return Handle{gen: c.gen, idx: i}
}

// Lookup finds the first record whose phone variants intersect the input's.
func (c *Cache) Lookup(raw string) (Handle, Record, bool) {
	for i := range c.recs {
		if c.recs[i].RawPhone == "" {
			continue
		}
		if c.res.Match(raw, c.recs[i].RawPhone) {
			return Handle{gen: c.gen, idx: i}, c.recs[i], true
		}
	}
	return Handle{}, Record{}, false
}

// Find is Lookup without the write handle.
func (c *Cache) Find(raw string) (Record, bool) {
	_, rec, ok := c.Lookup(raw)
	return rec, ok
}

// WriteCell writes a single cell through to the registry and, on success,
// updates the mirrored record in place. A handle from a previous generation
// is rejected with ErrStaleHandle.
func (c *Cache) WriteCell(ctx context.Context, h Handle, col string, value string) error {
	if h.gen != c.gen || h.idx < 0 || h.idx >= len(c.recs) {
		return ErrStaleHandle
	}
	rec := &c.recs[h.idx]
	if err := c.reg.WriteCell(ctx, rec.rowNum, col, value); err != nil {
		return err
	}
	rec.setCell(col, value)
	return nil
}
