// Package consent runs the TCLE conversation: dispatching the consent
// request, interpreting replies, and expiring stalled sessions. Outcomes
// are written through to the registry; the open conversations live in the
// state manager.
package consent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/messenger"
	"github.com/clinicware/patientflow/internal/operator"
	"github.com/clinicware/patientflow/internal/registry"
	"github.com/clinicware/patientflow/internal/state"
)

var acceptWords = map[string]struct{}{
	"ACEITO": {}, "1": {}, "SIM": {}, "CONCORDO": {}, "ACEITAR": {},
}

var rejectWords = map[string]struct{}{
	"NÃO ACEITO": {}, "NAO ACEITO": {}, "2": {}, "NAO": {}, "NÃO": {},
	"DISCORDO": {}, "REJEITAR": {},
}

type Config struct {
	MaxAttempts    int
	SessionTimeout time.Duration
}

type Workflow struct {
	st     *state.Manager
	cache  *cache.Cache
	sender messenger.Sender
	op     *operator.Notifier
	log    *slog.Logger
	cfg    Config
}

func NewWorkflow(st *state.Manager, c *cache.Cache, sender messenger.Sender, op *operator.Notifier, logger *slog.Logger, cfg Config) *Workflow {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 72 * time.Hour
	}
	return &Workflow{st: st, cache: c, sender: sender, op: op, log: logger, cfg: cfg}
}

func requestText(name string) string {
	return fmt.Sprintf(
		"Olá, %s! 👋\n\n"+
			"Para acompanharmos seu exame pelo WhatsApp, precisamos do seu aceite ao "+
			"Termo de Consentimento Livre e Esclarecido (TCLE).\n\n"+
			"Seus dados serão usados apenas para lembretes e confirmações do seu atendimento.\n\n"+
			"Responda *ACEITO* (ou *1*) para aceitar.\n"+
			"Responda *NÃO ACEITO* (ou *2*) para recusar.",
		name)
}

// Dispatch sends the consent request when the dedup window allows it and the
// session has attempts left. Resends carry the attempt number so the patient
// and the operator can tell them apart. Returns whether a message went out.
func (w *Workflow) Dispatch(ctx context.Context, key, addr string, rec cache.Record, now time.Time) bool {
	if w.st.HasSent(key, state.TypeConsentSent, now) {
		return false
	}
	attempt := 1
	if s, ok := w.st.Session(key); ok {
		if s.Attempts >= w.cfg.MaxAttempts {
			w.st.DeleteSession(key)
			w.st.Persist()
			return false
		}
		attempt = s.Attempts + 1
	}

	text := requestText(rec.Name)
	if attempt > 1 {
		text += fmt.Sprintf("\n\nEsta é sua %dª tentativa de %d.", attempt, w.cfg.MaxAttempts)
	}
	if err := w.sender.Send(ctx, addr, text); err != nil {
		w.log.Error("consent request send failed", "phone", key, "err", err)
		return false
	}

	if s, ok := w.st.Session(key); ok {
		s.Attempts = attempt
		s.LastSentAt = now.UnixMilli()
	} else {
		w.st.SetSession(key, &state.Session{
			Name:        rec.Name,
			Attempts:    attempt,
			FirstSentAt: now.UnixMilli(),
			LastSentAt:  now.UnixMilli(),
		})
	}
	w.st.RecordSend(key, state.TypeConsentSent, now)
	w.st.Persist()
	w.op.Audit(ctx, fmt.Sprintf("TCLE enviado (tentativa %d de %d)", attempt, w.cfg.MaxAttempts), rec)
	w.log.Info("consent request sent", "phone", key, "attempt", attempt)
	return true
}

// Open registers a session without sending, so a patient who reaches the
// menu before consenting can answer the request that follows.
func (w *Workflow) Open(key, name string, now time.Time) {
	if _, ok := w.st.Session(key); ok {
		return
	}
	w.st.SetSession(key, &state.Session{
		Name:        name,
		FirstSentAt: now.UnixMilli(),
		LastSentAt:  now.UnixMilli(),
	})
}

// HasSession reports whether a consent conversation is open for the phone.
func (w *Workflow) HasSession(key string) bool {
	_, ok := w.st.Session(key)
	return ok
}

// HandleReply interprets one message inside an open consent session. The
// outcome is written through to the registry before the session closes, so a
// crash between the two never loses an answer.
func (w *Workflow) HandleReply(ctx context.Context, key, addr string, h cache.Handle, rec cache.Record, body string, now time.Time) error {
	reply := strings.ToUpper(strings.TrimSpace(body))

	if _, ok := acceptWords[reply]; ok {
		if err := w.cache.WriteCell(ctx, h, registry.ColConsent, cache.ConsentAccepted); err != nil {
			return fmt.Errorf("consent accept write: %w", err)
		}
		w.st.DeleteSession(key)
		w.st.Persist()
		if err := w.sender.Send(ctx, addr, fmt.Sprintf(
			"Obrigado, %s! ✅ Consentimento registrado.\n"+
				"Você receberá os lembretes do seu exame por aqui.", rec.Name)); err != nil {
			w.log.Error("consent ack send failed", "phone", key, "err", err)
		}
		w.op.Audit(ctx, "TCLE aceito", rec)
		w.log.Info("consent accepted", "phone", key)
		return nil
	}

	if _, ok := rejectWords[reply]; ok {
		if err := w.cache.WriteCell(ctx, h, registry.ColConsent, cache.ConsentRejected); err != nil {
			return fmt.Errorf("consent reject write: %w", err)
		}
		w.st.DeleteSession(key)
		w.st.Persist()
		if err := w.sender.Send(ctx, addr,
			"Tudo bem, sua escolha foi registrada. "+
				"Você não receberá mensagens automáticas. "+
				"Em caso de dúvidas, entre em contato com a clínica."); err != nil {
			w.log.Error("consent ack send failed", "phone", key, "err", err)
		}
		w.op.Audit(ctx, "TCLE recusado", rec)
		w.log.Info("consent rejected", "phone", key)
		return nil
	}

	s, ok := w.st.Session(key)
	if !ok {
		return nil
	}
	if s.Attempts >= w.cfg.MaxAttempts {
		w.st.DeleteSession(key)
		w.st.Persist()
		if err := w.sender.Send(ctx, addr,
			"Não conseguimos registrar sua resposta ao termo de consentimento. "+
				"Por favor, entre em contato com a clínica para confirmar seu exame."); err != nil {
			w.log.Error("consent final notice send failed", "phone", key, "err", err)
		}
		w.log.Warn("consent attempts exhausted", "phone", key)
		return nil
	}

	s.Attempts++
	s.LastSentAt = now.UnixMilli()
	w.st.Persist()
	remaining := w.cfg.MaxAttempts - s.Attempts + 1
	if err := w.sender.Send(ctx, addr, fmt.Sprintf(
		"Desculpe, não entendi. 🤔\n\n%s\n\n(Tentativas restantes: %d)",
		requestText(rec.Name), remaining)); err != nil {
		w.log.Error("consent resend failed", "phone", key, "err", err)
	}
	return nil
}

// SweepExpired closes sessions past the timeout or attempt ceiling, notifies
// the patients, and reports the batch to the operator.
func (w *Workflow) SweepExpired(ctx context.Context, resolveAddr func(string) string, now time.Time) int {
	var expired []string
	for _, key := range w.st.SessionPhones() {
		s, ok := w.st.Session(key)
		if !ok {
			continue
		}
		timedOut := s.FirstSentAt > 0 && now.UnixMilli()-s.FirstSentAt > w.cfg.SessionTimeout.Milliseconds()
		if !timedOut && s.Attempts < w.cfg.MaxAttempts {
			continue
		}
		w.st.DeleteSession(key)
		name := s.Name
		if name == "" {
			name = key
		}
		expired = append(expired, name)
		if err := w.sender.Send(ctx, resolveAddr(key),
			"Sua solicitação de consentimento expirou. "+
				"Entre em contato com a clínica caso ainda deseje receber os lembretes."); err != nil {
			w.log.Error("consent expiry notice send failed", "phone", key, "err", err)
		}
	}
	if len(expired) > 0 {
		w.st.Persist()
		w.op.Digest(ctx, "Consentimentos expirados", expired)
		w.log.Info("consent sessions expired", "count", len(expired))
	}
	return len(expired)
}
