// Package operator delivers audit notes, escalations and lifecycle digests
// to the human attendant's messaging address. Operator traffic is advisory;
// delivery failures are logged and never interrupt patient flows.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/messenger"
)

type Notifier struct {
	sender  messenger.Sender
	address string
	log     *slog.Logger
}

// NewNotifier builds an operator channel. An empty address disables all
// delivery, which is valid for test and dry-run setups.
func NewNotifier(sender messenger.Sender, address string, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, address: address, log: logger}
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	if n.address == "" {
		return
	}
	if err := n.sender.Send(ctx, n.address, text); err != nil {
		n.log.Error("operator notification failed", "err", err)
	}
}

// Audit reports one patient action, identified by name and appointment date.
func (n *Notifier) Audit(ctx context.Context, action string, rec cache.Record) {
	name := rec.Name
	if name == "" {
		name = rec.RawPhone
	}
	n.deliver(ctx, fmt.Sprintf("🔔 *%s*\nPaciente: %s\nExame: %s %s", action, name, rec.Date, rec.Time))
}

// Escalate reports a condition that needs human attention.
func (n *Notifier) Escalate(ctx context.Context, subject string, detail string) {
	msg := "⚠️ " + subject
	if detail != "" {
		msg += "\n" + detail
	}
	n.deliver(ctx, msg)
}

// Digest sends a multi-line status summary, one item per line.
func (n *Notifier) Digest(ctx context.Context, title string, lines []string) {
	n.deliver(ctx, "📋 *"+title+"*\n"+strings.Join(lines, "\n"))
}
