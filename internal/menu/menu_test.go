package menu

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/consent"
	"github.com/clinicware/patientflow/internal/messenger"
	"github.com/clinicware/patientflow/internal/operator"
	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/registry"
	"github.com/clinicware/patientflow/internal/state"
)

const (
	patientAddr  = "5511987654321@c.us"
	operatorAddr = "5511900000000@c.us"
)

type fakeRegistry struct {
	rows   []registry.Row
	writes map[int]map[string]string
}

func (f *fakeRegistry) ReadRows(context.Context) ([]registry.Row, error) { return f.rows, nil }

func (f *fakeRegistry) WriteCell(_ context.Context, rowNum int, col, value string) error {
	if f.writes == nil {
		f.writes = map[int]map[string]string{}
	}
	if f.writes[rowNum] == nil {
		f.writes[rowNum] = map[string]string{}
	}
	f.writes[rowNum][col] = value
	return nil
}

func (f *fakeRegistry) Ping(context.Context) error { return nil }

func patientRow(status, consentVal string) registry.Row {
	cells := make([]string, registry.RowWidth)
	cells[0] = "Maria"
	cells[1] = "11987654321"
	cells[3] = "14/09/2026"
	cells[4] = "14:30"
	cells[5] = "Rua A, 1"
	cells[6] = status
	cells[10] = consentVal
	return registry.Row{Num: 2, Cells: cells}
}

type fixture struct {
	router *Router
	st     *state.Manager
	reg    *fakeRegistry
	rec    *messenger.Recorder
}

func newFixture(t *testing.T, rows ...registry.Row) *fixture {
	t.Helper()
	logger := slog.Default()
	reg := &fakeRegistry{rows: rows}
	res := phone.NewResolver("55", "11", "@c.us")
	c := cache.New(reg, res, logger, cache.Config{TTL: time.Minute})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	st := state.NewManager(state.NewFileStore(filepath.Join(t.TempDir(), "state.json")), logger)
	rec := messenger.NewRecorder()
	op := operator.NewNotifier(rec, operatorAddr, logger)
	wf := consent.NewWorkflow(st, c, rec, op, logger, consent.Config{})
	return &fixture{
		router: NewRouter(st, c, res, wf, rec, op, logger),
		st:     st,
		reg:    reg,
		rec:    rec,
	}
}

func (f *fixture) send(body string) {
	f.router.Handle(context.Background(), messenger.Message{From: patientAddr, Body: body})
}

func TestUnregisteredGetsInfoOnce(t *testing.T) {
	f := newFixture(t)

	f.send("oi")
	f.send("oi de novo")

	if got := f.rec.SentTo(patientAddr); got != 1 {
		t.Fatalf("sent %d info messages, want 1", got)
	}
	if !strings.Contains(f.rec.Messages[0].Text, "Não encontramos um cadastro") {
		t.Fatalf("wrong message: %q", f.rec.Messages[0].Text)
	}
}

func TestConfirmWritesStatusAndMarker(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusPending, cache.ConsentAccepted))

	f.send("1")

	if got := f.reg.writes[2][registry.ColStatus]; got != cache.StatusConfirmed {
		t.Fatalf("status = %q, want %q", got, cache.StatusConfirmed)
	}
	if got := f.reg.writes[2][registry.ColConfirmVia]; got != confirmedViaBot {
		t.Fatalf("marker = %q, want %q", got, confirmedViaBot)
	}
	if f.rec.SentTo(operatorAddr) != 1 {
		t.Fatal("confirmation must be audited")
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusConfirmed, cache.ConsentAccepted))

	f.send("1")

	if _, ok := f.reg.writes[2]; ok {
		t.Fatalf("already-confirmed row must not be rewritten: %v", f.reg.writes[2])
	}
	if !strings.Contains(f.rec.Messages[0].Text, "já está confirmado") {
		t.Fatalf("wrong reply: %q", f.rec.Messages[0].Text)
	}
}

func TestRescheduleRequest(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusPending, cache.ConsentAccepted))

	f.send("2")

	if got := f.reg.writes[2][registry.ColStatus]; got != cache.StatusRescheduled {
		t.Fatalf("status = %q, want %q", got, cache.StatusRescheduled)
	}
	if got := f.reg.writes[2][registry.ColConfirmVia]; got != rescheduleRequested {
		t.Fatalf("marker = %q, want %q", got, rescheduleRequested)
	}
}

func TestAgentHandOff(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusPending, cache.ConsentAccepted))

	f.send("atendente")

	if f.rec.SentTo(operatorAddr) != 1 {
		t.Fatal("operator must be escalated")
	}
	if f.rec.SentTo(patientAddr) != 1 {
		t.Fatal("patient must get a hand-off reply")
	}
}

func TestTerminalStatusOnlyAllowsAgent(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusCancelled, cache.ConsentAccepted))

	f.send("1")

	if _, ok := f.reg.writes[2]; ok {
		t.Fatal("cancelled appointments must not be confirmable")
	}
	if !strings.Contains(f.rec.Messages[0].Text, "atendente") {
		t.Fatalf("expected status menu, got %q", f.rec.Messages[0].Text)
	}

	f.send("4")
	if f.rec.SentTo(operatorAddr) != 1 {
		t.Fatal("hand-off must still work for terminal statuses")
	}
}

func TestMenuAntiSpam(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusPending, cache.ConsentAccepted))
	base := time.Date(2026, time.September, 7, 10, 0, 0, 0, time.UTC)
	now := base
	f.router.SetClock(func() time.Time { return now })

	f.send("bom dia")
	f.send("alguém aí?")
	if got := f.rec.SentTo(patientAddr); got != 1 {
		t.Fatalf("menu echoed %d times within the window, want 1", got)
	}

	now = base.Add(2 * time.Second)
	f.send("oi?")
	if got := f.rec.SentTo(patientAddr); got != 2 {
		t.Fatalf("menu must show again after the window, got %d sends", got)
	}
}

func TestFeedbackReplyCaptured(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusConfirmed, cache.ConsentAccepted))
	f.st.RecordSend("5511987654321", state.TypeFeedback, time.Now())

	f.send("5 - excelente atendimento")

	if got := f.reg.writes[2][registry.ColFeedback]; got != "5 - excelente atendimento" {
		t.Fatalf("feedback cell = %q", got)
	}
	if got := f.reg.writes[2][registry.ColStatus]; got != cache.StatusCompleted {
		t.Fatalf("status = %q, want %q", got, cache.StatusCompleted)
	}
	if got := f.reg.writes[2][registry.ColConfirmVia]; got != feedbackReceivedMark {
		t.Fatalf("marker = %q, want %q", got, feedbackReceivedMark)
	}
}

func TestColdAcceptWithoutSession(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusPending, ""))

	f.send("ACEITO")

	if got := f.reg.writes[2][registry.ColConsent]; got != cache.ConsentAccepted {
		t.Fatalf("consent = %q, want %q", got, cache.ConsentAccepted)
	}
}

func TestRejectedConsentGoesToMenuNotConsent(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusPending, cache.ConsentRejected))

	f.send("ACEITO")

	if _, ok := f.reg.writes[2][registry.ColConsent]; ok {
		t.Fatal("settled consent must not be rewritten from a loose message")
	}
	if !strings.Contains(f.rec.Messages[0].Text, "Confirmar presença") {
		t.Fatalf("expected the menu, got %q", f.rec.Messages[0].Text)
	}
}

func TestUnconsentedMessageOpensSession(t *testing.T) {
	f := newFixture(t, patientRow(cache.StatusPending, ""))

	f.send("bom dia")

	if _, ok := f.st.Session("5511987654321"); !ok {
		t.Fatal("a consent session must be opened")
	}
	if !strings.Contains(f.rec.Messages[len(f.rec.Messages)-1].Text, "TCLE") {
		t.Fatal("the consent request must be sent")
	}
}
