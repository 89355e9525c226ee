package cache

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/registry"
)

type cellWrite struct {
	rowNum int
	col    string
	value  string
}

type fakeRegistry struct {
	rows     []registry.Row
	writes   []cellWrite
	readErr  error
	writeErr error
}

func (f *fakeRegistry) ReadRows(context.Context) ([]registry.Row, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]registry.Row, len(f.rows))
	for i, r := range f.rows {
		cells := make([]string, len(r.Cells))
		copy(cells, r.Cells)
		out[i] = registry.Row{Num: r.Num, Cells: cells}
	}
	return out, nil
}

func (f *fakeRegistry) WriteCell(_ context.Context, rowNum int, col string, value string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, cellWrite{rowNum: rowNum, col: col, value: value})
	return nil
}

func (f *fakeRegistry) Ping(context.Context) error { return f.readErr }

func row(num int, cells ...string) registry.Row {
	padded := make([]string, registry.RowWidth)
	copy(padded, cells)
	return registry.Row{Num: num, Cells: padded}
}

func testCache(reg registry.Registry) *Cache {
	res := phone.NewResolver("55", "11", "@c.us")
	return New(reg, res, slog.Default(), Config{
		TTL:            30 * time.Second,
		DefaultAddress: ".",
		DefaultStatus:  StatusPending,
	})
}

func TestRefreshRepairsAndBackfills(t *testing.T) {
	reg := &fakeRegistry{rows: []registry.Row{
		row(2, "Maria Souza", "11987654321", "", "45000", "0.5", "", ""),
	}}
	c := testCache(reg)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	recs := c.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Date != "15/03/2023" {
		t.Fatalf("date serial not repaired: %q", rec.Date)
	}
	if rec.Time != "12:00" {
		t.Fatalf("time fraction not repaired: %q", rec.Time)
	}
	if rec.Address != "." || rec.Status != StatusPending {
		t.Fatalf("defaults not backfilled: addr=%q status=%q", rec.Address, rec.Status)
	}

	// Both defaults must have been written back.
	if len(reg.writes) != 2 {
		t.Fatalf("expected 2 backfill writes, got %d", len(reg.writes))
	}
	if reg.writes[0].col != registry.ColAddress || reg.writes[0].rowNum != 2 {
		t.Fatalf("unexpected first write %+v", reg.writes[0])
	}
	if reg.writes[1].col != registry.ColStatus {
		t.Fatalf("unexpected second write %+v", reg.writes[1])
	}
}

func TestRefreshSkipsEmptyRowsAndKeepsMalformedDates(t *testing.T) {
	reg := &fakeRegistry{rows: []registry.Row{
		row(2),
		row(3, "João Lima", "11912345678", "", "not-a-date", "14:30", ".", StatusPending),
	}}
	c := testCache(reg)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	recs := c.Records()
	if len(recs) != 1 {
		t.Fatalf("expected empty row skipped, got %d records", len(recs))
	}
	if recs[0].Date != "not-a-date" {
		t.Fatalf("malformed date must be left untouched, got %q", recs[0].Date)
	}
}

func TestEnsureFreshHonorsTTL(t *testing.T) {
	reg := &fakeRegistry{rows: []registry.Row{
		row(2, "Maria Souza", "11987654321", "", "01/10/2026", "09:00", ".", StatusPending),
	}}
	c := testCache(reg)

	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	now := base
	c.SetClock(func() time.Time { return now })

	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	gen := c.Generation()

	now = base.Add(10 * time.Second)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if c.Generation() != gen {
		t.Fatal("mirror refreshed within TTL")
	}

	now = base.Add(31 * time.Second)
	if err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if c.Generation() == gen {
		t.Fatal("mirror not refreshed after TTL")
	}
}

func TestLookupMatchesPhoneVariants(t *testing.T) {
	reg := &fakeRegistry{rows: []registry.Row{
		row(2, "Maria Souza", "87654321", "", "01/10/2026", "09:00", ".", StatusPending),
	}}
	c := testCache(reg)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Sender uses the fully-qualified mobile form of the same number.
	_, rec, ok := c.Lookup("5511987654321@c.us")
	if !ok {
		t.Fatal("variant lookup failed")
	}
	if rec.Name != "Maria Souza" {
		t.Fatalf("wrong record: %q", rec.Name)
	}
}

func TestWriteCellRejectsStaleHandle(t *testing.T) {
	reg := &fakeRegistry{rows: []registry.Row{
		row(2, "Maria Souza", "11987654321", "", "01/10/2026", "09:00", ".", StatusPending),
	}}
	c := testCache(reg)
	ctx := context.Background()
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	h, _, ok := c.Lookup("11987654321")
	if !ok {
		t.Fatal("lookup failed")
	}

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := c.WriteCell(ctx, h, registry.ColStatus, StatusConfirmed); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}
}

func TestWriteCellUpdatesMirror(t *testing.T) {
	reg := &fakeRegistry{rows: []registry.Row{
		row(2, "Maria Souza", "11987654321", "", "01/10/2026", "09:00", ".", StatusPending),
	}}
	c := testCache(reg)
	ctx := context.Background()
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	h, _, _ := c.Lookup("11987654321")
	if err := c.WriteCell(ctx, h, registry.ColStatus, StatusConfirmed); err != nil {
		t.Fatalf("WriteCell: %v", err)
	}
	if got := c.Records()[0].Status; got != StatusConfirmed {
		t.Fatalf("mirror not updated, status=%q", got)
	}
	last := reg.writes[len(reg.writes)-1]
	if last.col != registry.ColStatus || last.value != StatusConfirmed || last.rowNum != 2 {
		t.Fatalf("unexpected registry write %+v", last)
	}
}

func TestRefreshReportsStoreError(t *testing.T) {
	readErr := errors.New("store unreachable")
	reg := &fakeRegistry{readErr: readErr}
	c := testCache(reg)

	var hooked error
	c.SetStoreErrorHook(func(err error) { hooked = err })

	if err := c.Refresh(context.Background()); !errors.Is(err, readErr) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
	if !errors.Is(hooked, readErr) {
		t.Fatalf("store-error hook not invoked, got %v", hooked)
	}
}
