// Package notify sweeps the patient mirror and sends the scheduled
// messages: the 7-day and 2-day reminders and the day-after feedback
// request. Every send is gated by the per-type dedup ledger.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/messenger"
	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/sheet"
	"github.com/clinicware/patientflow/internal/state"
)

// feedbackGrace delays the feedback request until the appointment is well
// past its scheduled time.
const feedbackGrace = 4 * time.Hour

type Config struct {
	WindowStartHour int // first hour of the day messages may go out
	WindowEndHour   int // first hour of the evening they may not
}

type Scheduler struct {
	st     *state.Manager
	cache  *cache.Cache
	res    *phone.Resolver
	sender messenger.Sender
	log    *slog.Logger
	cfg    Config
}

func NewScheduler(st *state.Manager, c *cache.Cache, res *phone.Resolver, sender messenger.Sender, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.WindowEndHour == 0 {
		cfg.WindowStartHour, cfg.WindowEndHour = 7, 20
	}
	return &Scheduler{st: st, cache: c, res: res, sender: sender, log: logger, cfg: cfg}
}

// InWindow reports whether patient-facing messages may be sent right now.
func (s *Scheduler) InWindow(now time.Time) bool {
	h := now.Hour()
	return h >= s.cfg.WindowStartHour && h < s.cfg.WindowEndHour
}

// Sweep walks the mirror once and sends whatever is due. Failures for one
// patient never stop the rest of the sweep. Returns the number of sends.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) int {
	if !s.InWindow(now) {
		s.log.Debug("outside notification window", "hour", now.Hour())
		return 0
	}

	sent := 0
	seen := map[string]struct{}{}
	for _, rec := range s.cache.Records() {
		key := s.res.Normalize(rec.RawPhone)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if !rec.HasConsent() {
			continue
		}
		switch rec.TrimmedStatus() {
		case cache.StatusCancelled, cache.StatusRescheduled, cache.StatusCompleted:
			continue
		}

		date, err := sheet.ParseDate(rec.Date)
		if err != nil {
			continue
		}

		typ, text := s.due(rec, date, now)
		if typ == "" || s.st.HasSent(key, typ, now) {
			continue
		}

		if err := s.sender.Send(ctx, s.res.Address(rec.RawPhone), text); err != nil {
			s.log.Error("reminder send failed", "phone", key, "type", typ, "err", err)
			continue
		}
		s.st.RecordSend(key, typ, now)
		seen[key] = struct{}{}
		sent++
		s.log.Info("reminder sent", "phone", key, "type", typ, "exam_date", rec.Date)
	}

	if sent > 0 {
		s.st.Persist()
	}
	return sent
}

// due picks the message owed to one patient today, if any.
func (s *Scheduler) due(rec cache.Record, date time.Time, now time.Time) (string, string) {
	switch sheet.DaysUntil(date, now) {
	case 7:
		return state.TypeReminder7d, reminderText(rec, "Faltam 7 dias para o seu exame! 🗓️")
	case 2:
		return state.TypeReminder2d, reminderText(rec, "Seu exame é depois de amanhã! ⏰")
	case -1:
		if rec.Feedback != "" {
			return "", ""
		}
		if dt, err := sheet.ParseDateTime(rec.Date, rec.Time, now.Location()); err == nil {
			if now.Before(dt.Add(feedbackGrace)) {
				return "", ""
			}
		}
		return state.TypeFeedback, feedbackText(rec)
	}
	return "", ""
}

func reminderText(rec cache.Record, headline string) string {
	return fmt.Sprintf(
		"%s\n\nOlá, %s!\n📅 Data: %s\n🕐 Horário: %s\n📍 Local: %s\n\n"+
			"Responda *1* para confirmar ou *2* para solicitar remarcação.",
		headline, rec.Name, rec.Date, rec.Time, rec.Address)
}

func feedbackText(rec cache.Record) string {
	return fmt.Sprintf(
		"Olá, %s! Esperamos que seu exame tenha corrido bem. 💙\n\n"+
			"De 1 a 5, como você avalia o atendimento?\n"+
			"Responda com a nota (ex.: *5 - excelente atendimento*).",
		rec.Name)
}
