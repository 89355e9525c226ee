package changes

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/state"
)

func newTestState(t *testing.T) *state.Manager {
	t.Helper()
	return state.NewManager(state.NewFileStore(filepath.Join(t.TempDir(), "state.json")), slog.Default())
}

func TestDateChangeReArmsPatient(t *testing.T) {
	st := newTestState(t)
	d := NewDetector(st, slog.Default())
	now := time.Now()

	phone := "5511987654321"
	st.MarkNotified(phone)
	st.RecordSend(phone, state.TypeConsentSent, now)
	st.RecordSend(phone, state.TypeReminder7d, now)

	if d.Observe(phone, "07/09/2026", cache.StatusConfirmed) {
		t.Fatal("first observation must not trigger")
	}
	if !d.Observe(phone, "14/09/2026", cache.StatusConfirmed) {
		t.Fatal("date move must trigger a reset")
	}
	if st.IsNotified(phone) {
		t.Fatal("notified marker must be cleared")
	}
	if !st.HasSent(phone, state.TypeConsentSent, now) {
		t.Fatal("consent-sent entry must survive")
	}
	if st.HasSent(phone, state.TypeReminder7d, now) {
		t.Fatal("reminder entry must be pruned")
	}
}

func TestLeavingRescheduledTriggers(t *testing.T) {
	st := newTestState(t)
	d := NewDetector(st, slog.Default())

	phone := "5511987654321"
	d.Observe(phone, "07/09/2026", cache.StatusRescheduled)
	st.MarkNotified(phone)

	if !d.Observe(phone, "07/09/2026", cache.StatusPending) {
		t.Fatal("leaving Rescheduled must trigger")
	}
}

func TestNoTriggerWithoutNotifiedMarker(t *testing.T) {
	st := newTestState(t)
	d := NewDetector(st, slog.Default())

	phone := "5511987654321"
	d.Observe(phone, "07/09/2026", cache.StatusConfirmed)
	if d.Observe(phone, "14/09/2026", cache.StatusConfirmed) {
		t.Fatal("unnotified patients have nothing to re-arm")
	}

	// Watermarks still advance.
	date, _ := st.Watermarks(phone)
	if date != "14/09/2026" {
		t.Fatalf("watermark not updated: %q", date)
	}
}
