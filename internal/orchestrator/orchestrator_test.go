package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/changes"
	"github.com/clinicware/patientflow/internal/consent"
	"github.com/clinicware/patientflow/internal/menu"
	"github.com/clinicware/patientflow/internal/messenger"
	"github.com/clinicware/patientflow/internal/notify"
	"github.com/clinicware/patientflow/internal/operator"
	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/recovery"
	"github.com/clinicware/patientflow/internal/registry"
	"github.com/clinicware/patientflow/internal/state"
)

const operatorAddr = "5511900000000@c.us"

type fakeRegistry struct {
	rows []registry.Row
}

func (f *fakeRegistry) ReadRows(context.Context) ([]registry.Row, error) { return f.rows, nil }

func (f *fakeRegistry) WriteCell(_ context.Context, rowNum int, col, value string) error {
	for i := range f.rows {
		if f.rows[i].Num == rowNum {
			f.rows[i].Cells[registry.CellIndex(col)] = value
			return nil
		}
	}
	return registry.ErrRowNotFound
}

func (f *fakeRegistry) Ping(context.Context) error { return nil }

func row(num int, name, rawPhone, date, consentVal string) registry.Row {
	cells := make([]string, registry.RowWidth)
	cells[0] = name
	cells[1] = rawPhone
	cells[3] = date
	cells[4] = "14:30"
	cells[5] = "Rua A, 1"
	cells[6] = cache.StatusPending
	cells[10] = consentVal
	return registry.Row{Num: num, Cells: cells}
}

type fixture struct {
	eng  *Engine
	st   *state.Manager
	reg  *fakeRegistry
	rec  *messenger.Recorder
	c    *cache.Cache
	recm *recovery.Manager
}

func newFixture(t *testing.T, now time.Time, rows ...registry.Row) *fixture {
	t.Helper()
	logger := slog.Default()
	reg := &fakeRegistry{rows: rows}
	res := phone.NewResolver("55", "11", "@c.us")
	c := cache.New(reg, res, logger, cache.Config{TTL: time.Minute})
	c.SetClock(func() time.Time { return now })
	st := state.NewManager(state.NewFileStore(filepath.Join(t.TempDir(), "state.json")), logger)
	rec := messenger.NewRecorder()
	op := operator.NewNotifier(rec, operatorAddr, logger)
	wf := consent.NewWorkflow(st, c, rec, op, logger, consent.Config{})
	sched := notify.NewScheduler(st, c, res, rec, logger, notify.Config{})
	router := menu.NewRouter(st, c, res, wf, rec, op, logger)
	recm := recovery.NewManager(st, c, res, op, logger, recovery.Config{})
	det := changes.NewDetector(st, logger)

	eng := NewEngine(logger, Config{}, Deps{
		State:     st,
		Cache:     c,
		Registry:  reg,
		Resolver:  res,
		Detector:  det,
		Consent:   wf,
		Scheduler: sched,
		Router:    router,
		Recovery:  recm,
		Operator:  op,
	})
	eng.SetClock(func() time.Time { return now })
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return &fixture{eng: eng, st: st, reg: reg, rec: rec, c: c, recm: recm}
}

func TestScanDispatchesConsentAndMarksProcessed(t *testing.T) {
	now := time.Date(2026, time.September, 7, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now,
		row(2, "Maria", "11987654321", "14/09/2026", ""),
		row(3, "José", "11911112222", "14/09/2026", cache.ConsentAccepted))

	f.eng.scanCycle(context.Background())

	if got := f.rec.SentTo("5511987654321@c.us"); got != 1 {
		t.Fatalf("sent %d consent requests, want 1", got)
	}
	if !strings.Contains(f.rec.Messages[0].Text, "TCLE") {
		t.Fatalf("wrong message: %q", f.rec.Messages[0].Text)
	}
	if !f.st.IsNotified("5511987654321") {
		t.Fatal("dispatched patient must be marked processed")
	}
	// Settled consent needs no message, just the marker.
	if got := f.rec.SentTo("5511911112222@c.us"); got != 0 {
		t.Fatalf("sent %d messages to a consented patient, want 0", got)
	}
	if !f.st.IsNotified("5511911112222") {
		t.Fatal("consented patient must be marked processed")
	}
}

func TestScanIsIdempotent(t *testing.T) {
	now := time.Date(2026, time.September, 7, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now, row(2, "Maria", "11987654321", "14/09/2026", ""))

	f.eng.scanCycle(context.Background())
	f.eng.scanCycle(context.Background())

	if got := f.rec.SentTo("5511987654321@c.us"); got != 1 {
		t.Fatalf("sent %d consent requests across two scans, want 1", got)
	}
}

func TestScanRespectsWindow(t *testing.T) {
	late := time.Date(2026, time.September, 7, 22, 0, 0, 0, time.UTC)
	f := newFixture(t, late, row(2, "Maria", "11987654321", "14/09/2026", ""))

	f.eng.scanCycle(context.Background())

	if len(f.rec.Messages) != 0 {
		t.Fatalf("sent %d messages outside the window", len(f.rec.Messages))
	}
	if f.st.IsNotified("5511987654321") {
		t.Fatal("nothing was sent, so nothing should be marked processed")
	}
}

func TestDateChangeReArmsProcessedPatient(t *testing.T) {
	now := time.Date(2026, time.September, 7, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now, row(2, "Maria", "11987654321", "14/09/2026", cache.ConsentAccepted))

	f.eng.scanCycle(context.Background())
	if !f.st.IsNotified("5511987654321") {
		t.Fatal("patient must be processed after the first scan")
	}

	f.reg.rows[0].Cells[registry.CellIndex(registry.ColDate)] = "21/09/2026"
	if err := f.c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	f.eng.scanCycle(context.Background())

	date, _ := f.st.Watermarks("5511987654321")
	if date != "21/09/2026" {
		t.Fatalf("watermark = %q, want the new date", date)
	}
	// Re-armed and then re-processed in the same scan, since consent is
	// already settled.
	if !f.st.IsNotified("5511987654321") {
		t.Fatal("patient must be re-processed after the re-arm")
	}
}

func TestEnqueuedTasksRunOnTheConsumer(t *testing.T) {
	now := time.Date(2026, time.September, 7, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	ran := false
	f.eng.EnqueueTask(context.Background(), func(context.Context) { ran = true })

	select {
	case task := <-f.eng.tasks:
		task(context.Background())
	default:
		t.Fatal("task never reached the queue")
	}
	if !ran {
		t.Fatal("queued task did not run")
	}
}

func TestPanicInTaskIsContained(t *testing.T) {
	now := time.Date(2026, time.September, 7, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now, row(2, "Maria", "11987654321", "14/09/2026", cache.ConsentAccepted))

	f.eng.runTask(context.Background(), "scan", func(context.Context) {
		panic("nil map write")
	})

	if got := f.rec.SentTo(operatorAddr); got != 1 {
		t.Fatalf("operator got %d escalations, want 1", got)
	}
	if !strings.Contains(f.rec.Messages[0].Text, "Erro inesperado") {
		t.Fatalf("wrong escalation: %q", f.rec.Messages[0].Text)
	}
	if s := f.recm.Status(); s.LastError == "" {
		t.Fatal("the panic must be recorded on the status document")
	}

	// The queue keeps serving after the contained panic.
	f.eng.runTask(context.Background(), "scan", f.eng.scanCycle)
	if !f.st.IsNotified("5511987654321") {
		t.Fatal("later tasks must still run")
	}
}
