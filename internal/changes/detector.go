// Package changes detects out-of-band mutations of registry rows by
// comparing appointment date and workflow status against per-phone
// watermarks.
package changes

import (
	"log/slog"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/state"
)

type Detector struct {
	st  *state.Manager
	log *slog.Logger
}

func NewDetector(st *state.Manager, logger *slog.Logger) *Detector {
	return &Detector{st: st, log: logger}
}

// Observe compares one refreshed record against its watermarks. When the
// appointment date moved, or the status left Rescheduled, a previously
// processed patient is re-armed: the notified marker is cleared and the
// ledger pruned down to the consent-sent timestamp. Watermarks are updated
// unconditionally. Returns whether a reset happened.
func (d *Detector) Observe(phone, date, status string) bool {
	lastDate, lastStatus := d.st.Watermarks(phone)

	dateMoved := lastDate != "" && lastDate != date
	leftRescheduled := lastStatus == cache.StatusRescheduled && status != cache.StatusRescheduled

	triggered := false
	if (dateMoved || leftRescheduled) && d.st.IsNotified(phone) {
		reason := "date moved"
		if !dateMoved {
			reason = "left rescheduled"
		}
		d.log.Info("re-arming patient after registry change", "phone", phone, "reason", reason)
		d.st.ResetPatient(phone)
		triggered = true
	}

	d.st.SetWatermarks(phone, date, status)
	return triggered
}
