// Package menu routes inbound patient messages: consent replies, feedback
// capture, the confirmation menu and the attendant hand-off.
package menu

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/consent"
	"github.com/clinicware/patientflow/internal/messenger"
	"github.com/clinicware/patientflow/internal/operator"
	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/registry"
	"github.com/clinicware/patientflow/internal/state"
)

// confirmedViaBot and rescheduleRequested mark how the status cell was last
// changed, mirrored into the confirmation-channel column.
const (
	confirmedViaBot      = "Confirmado (Bot)"
	rescheduleRequested  = "NÃO (Solicitou Remarcação)"
	feedbackReceivedMark = "SIM"
)

var (
	feedbackPattern = regexp.MustCompile(`^([1-5])(\s*-?\s*.*)?$`)
	agentWords      = map[string]struct{}{
		"4": {}, "AJUDA": {}, "ATENDENTE": {}, "HELP": {}, "AGENT": {},
	}
)

type Router struct {
	st     *state.Manager
	cache  *cache.Cache
	res    *phone.Resolver
	wf     *consent.Workflow
	sender messenger.Sender
	op     *operator.Notifier
	log    *slog.Logger

	// onFailure is invoked after a message could not be processed, so the
	// recovery layer can account for it. Optional.
	onFailure func(error)
	now       func() time.Time
}

func NewRouter(st *state.Manager, c *cache.Cache, res *phone.Resolver, wf *consent.Workflow, sender messenger.Sender, op *operator.Notifier, logger *slog.Logger) *Router {
	return &Router{
		st: st, cache: c, res: res, wf: wf,
		sender: sender, op: op, log: logger,
		now: time.Now,
	}
}

func (r *Router) SetClock(now func() time.Time) { r.now = now }
func (r *Router) SetFailureHook(f func(error))  { r.onFailure = f }

// Handle processes one inbound direct message end to end. Errors are
// contained here: the patient gets an apology and the failure hook fires.
func (r *Router) Handle(ctx context.Context, msg messenger.Message) {
	key := r.res.Normalize(msg.From)
	if key == "" {
		r.log.Debug("unresolvable sender", "from", msg.From)
		return
	}
	addr := r.res.Address(msg.From)
	now := r.now()

	if err := r.cache.EnsureFresh(ctx); err != nil {
		r.log.Error("mirror refresh failed, using stale data", "err", err)
	}

	h, rec, ok := r.cache.Lookup(msg.From)
	if !ok {
		r.handleUnregistered(ctx, key, addr, now)
		return
	}

	if r.wf.HasSession(key) {
		if err := r.wf.HandleReply(ctx, key, addr, h, rec, msg.Body, now); err != nil {
			r.fail(ctx, key, addr, err)
		}
		return
	}

	if !rec.ConsentTerminal() {
		r.wf.Open(key, rec.Name, now)
		if err := r.wf.HandleReply(ctx, key, addr, h, rec, msg.Body, now); err != nil {
			r.fail(ctx, key, addr, err)
		}
		return
	}

	body := strings.TrimSpace(msg.Body)
	upper := strings.ToUpper(body)

	if rec.Feedback == "" && r.st.HasSent(key, state.TypeFeedback, now) {
		if feedbackPattern.MatchString(body) {
			if err := r.captureFeedback(ctx, key, addr, h, rec, body); err != nil {
				r.fail(ctx, key, addr, err)
			}
			return
		}
	}

	if _, ok := agentWords[upper]; ok {
		r.handOff(ctx, addr, rec)
		return
	}

	status := rec.TrimmedStatus()
	switch status {
	case cache.StatusCancelled, cache.StatusCompleted, cache.StatusRescheduled:
		r.showMenu(ctx, key, addr, rec, now)
		return
	}

	switch upper {
	case "1":
		if err := r.confirm(ctx, key, addr, h, rec, status); err != nil {
			r.fail(ctx, key, addr, err)
		}
	case "2":
		if err := r.reschedule(ctx, key, addr, h, rec); err != nil {
			r.fail(ctx, key, addr, err)
		}
	case "3":
		r.reply(ctx, key, addr, prepText(rec))
	default:
		r.showMenu(ctx, key, addr, rec, now)
	}
}

func (r *Router) handleUnregistered(ctx context.Context, key, addr string, now time.Time) {
	if r.st.HasSent(key, state.TypeUnregisteredInfo, now) {
		return
	}
	r.reply(ctx, key, addr,
		"Olá! 👋 Este é o canal automático da clínica.\n\n"+
			"Não encontramos um cadastro para este número. "+
			"Para agendar um exame ou atualizar seus dados, "+
			"entre em contato com a recepção da clínica.")
	r.st.RecordSend(key, state.TypeUnregisteredInfo, now)
	r.st.Persist()
}

func (r *Router) captureFeedback(ctx context.Context, key, addr string, h cache.Handle, rec cache.Record, body string) error {
	if err := r.cache.WriteCell(ctx, h, registry.ColFeedback, body); err != nil {
		return fmt.Errorf("feedback write: %w", err)
	}
	if err := r.cache.WriteCell(ctx, h, registry.ColStatus, cache.StatusCompleted); err != nil {
		return fmt.Errorf("feedback status write: %w", err)
	}
	if err := r.cache.WriteCell(ctx, h, registry.ColConfirmVia, feedbackReceivedMark); err != nil {
		return fmt.Errorf("feedback marker write: %w", err)
	}
	r.reply(ctx, key, addr, fmt.Sprintf("Obrigado pela sua avaliação, %s! 💙", rec.Name))
	r.op.Audit(ctx, "Feedback recebido", rec)
	r.log.Info("feedback captured", "phone", key)
	return nil
}

func (r *Router) confirm(ctx context.Context, key, addr string, h cache.Handle, rec cache.Record, status string) error {
	if status == cache.StatusConfirmed {
		r.reply(ctx, key, addr, "Seu exame já está confirmado. ✅ Até lá!")
		return nil
	}
	if err := r.cache.WriteCell(ctx, h, registry.ColStatus, cache.StatusConfirmed); err != nil {
		return fmt.Errorf("confirm write: %w", err)
	}
	if err := r.cache.WriteCell(ctx, h, registry.ColConfirmVia, confirmedViaBot); err != nil {
		return fmt.Errorf("confirm marker write: %w", err)
	}
	r.reply(ctx, key, addr, fmt.Sprintf(
		"Exame confirmado! ✅\n📅 %s às %s\n📍 %s\n\nAté lá, %s!",
		rec.Date, rec.Time, rec.Address, rec.Name))
	r.op.Audit(ctx, "Exame confirmado", rec)
	r.log.Info("appointment confirmed", "phone", key)
	return nil
}

func (r *Router) reschedule(ctx context.Context, key, addr string, h cache.Handle, rec cache.Record) error {
	if err := r.cache.WriteCell(ctx, h, registry.ColStatus, cache.StatusRescheduled); err != nil {
		return fmt.Errorf("reschedule write: %w", err)
	}
	if err := r.cache.WriteCell(ctx, h, registry.ColConfirmVia, rescheduleRequested); err != nil {
		return fmt.Errorf("reschedule marker write: %w", err)
	}
	r.reply(ctx, key, addr,
		"Pedido de remarcação registrado. 🔄\n"+
			"A clínica entrará em contato para combinar a nova data.")
	r.op.Audit(ctx, "Remarcação solicitada", rec)
	r.log.Info("reschedule requested", "phone", key)
	return nil
}

func (r *Router) handOff(ctx context.Context, addr string, rec cache.Record) {
	r.op.Escalate(ctx, "Paciente solicitou atendente",
		fmt.Sprintf("Paciente: %s\nTelefone: %s", rec.Name, rec.RawPhone))
	if err := r.sender.Send(ctx, addr,
		"Certo! Um atendente da clínica entrará em contato com você em breve. 🧑‍⚕️"); err != nil {
		r.log.Error("hand-off reply failed", "err", err)
	}
}

// showMenu sends the status menu, rate-limited so a burst of unrecognized
// messages does not echo the menu back for each one.
func (r *Router) showMenu(ctx context.Context, key, addr string, rec cache.Record, now time.Time) {
	if r.st.HasSent(key, state.TypeMenuShown, now) {
		return
	}
	r.reply(ctx, key, addr, menuText(rec))
	r.st.RecordSend(key, state.TypeMenuShown, now)
}

func (r *Router) reply(ctx context.Context, key, addr, text string) {
	if err := r.sender.Send(ctx, addr, text); err != nil {
		r.log.Error("reply send failed", "phone", key, "err", err)
	}
}

func (r *Router) fail(ctx context.Context, key, addr string, err error) {
	r.log.Error("message processing failed", "phone", key, "err", err)
	r.reply(ctx, key, addr,
		"Desculpe, tivemos um problema ao processar sua mensagem. 🙏\n"+
			"Tente novamente em alguns minutos ou entre em contato com a clínica.")
	if r.onFailure != nil {
		r.onFailure(err)
	}
}

func menuText(rec cache.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Olá, %s! 👋\n\n", rec.Name)
	fmt.Fprintf(&b, "📅 Exame: %s às %s\n📍 Local: %s\n📌 Situação: %s\n\n",
		rec.Date, rec.Time, rec.Address, rec.TrimmedStatus())
	switch rec.TrimmedStatus() {
	case cache.StatusCancelled, cache.StatusCompleted, cache.StatusRescheduled:
		b.WriteString("Para falar com um atendente, responda *4*.")
	default:
		b.WriteString("*1* - Confirmar presença\n")
		b.WriteString("*2* - Solicitar remarcação\n")
		b.WriteString("*3* - Instruções de preparo\n")
		b.WriteString("*4* - Falar com um atendente")
	}
	return b.String()
}

func prepText(rec cache.Record) string {
	return fmt.Sprintf(
		"Instruções de preparo 📋\n\n"+
			"• Chegue com 15 minutos de antecedência.\n"+
			"• Traga documento com foto e o pedido médico.\n"+
			"• Em caso de jejum, siga a orientação do seu médico.\n\n"+
			"Seu exame: %s às %s\n📍 %s",
		rec.Date, rec.Time, rec.Address)
}
