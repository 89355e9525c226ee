package cache

import (
	"strings"

	"github.com/clinicware/patientflow/internal/registry"
)

// Workflow status values as stored in the registry.
const (
	StatusPending     = "Pendente"
	StatusConfirmed   = "Confirmado"
	StatusRescheduled = "Remarcado"
	StatusCancelled   = "Cancelado"
	StatusCompleted   = "Concluído"
)

// Consent status values as stored in the registry.
const (
	ConsentAccepted = "TCLE_ACEITO"
	ConsentRejected = "TCLE_REJEITADO"
)

// Record is one parsed patient row. It is a stale, best-effort mirror of the
// registry row; the registry stays the source of truth.
type Record struct {
	Name       string
	RawPhone   string
	Email      string
	Date       string // DD/MM/YYYY after repair
	Time       string // HH:MM after repair
	Address    string
	Status     string
	Feedback   string
	BirthDate  string
	Consent    string
	ConfirmVia string

	rowNum int
}

func (r Record) HasConsent() bool {
	return strings.EqualFold(strings.TrimSpace(r.Consent), ConsentAccepted)
}

// ConsentTerminal reports whether consent has reached a terminal outcome.
func (r Record) ConsentTerminal() bool {
	c := strings.ToUpper(strings.TrimSpace(r.Consent))
	return c == ConsentAccepted || c == ConsentRejected
}

func (r Record) TrimmedStatus() string {
	return strings.TrimSpace(r.Status)
}

func parseRecord(row registry.Row) Record {
	cells := row.Cells
	for len(cells) < registry.RowWidth {
		cells = append(cells, "")
	}
	return Record{
		Name:       strings.TrimSpace(cells[0]),
		RawPhone:   strings.TrimSpace(cells[1]),
		Email:      strings.TrimSpace(cells[2]),
		Date:       strings.TrimSpace(cells[3]),
		Time:       strings.TrimSpace(cells[4]),
		Address:    strings.TrimSpace(cells[5]),
		Status:     strings.TrimSpace(cells[6]),
		Feedback:   strings.TrimSpace(cells[7]),
		BirthDate:  strings.TrimSpace(cells[8]),
		Consent:    strings.TrimSpace(cells[10]),
		ConfirmVia: strings.TrimSpace(cells[11]),
		rowNum:     row.Num,
	}
}

func (r *Record) setCell(col string, value string) {
	switch col {
	case registry.ColName:
		r.Name = value
	case registry.ColPhone:
		r.RawPhone = value
	case registry.ColEmail:
		r.Email = value
	case registry.ColDate:
		r.Date = value
	case registry.ColTime:
		r.Time = value
	case registry.ColAddress:
		r.Address = value
	case registry.ColStatus:
		r.Status = value
	case registry.ColFeedback:
		r.Feedback = value
	case registry.ColBirthDate:
		r.BirthDate = value
	case registry.ColConsent:
		r.Consent = value
	case registry.ColConfirmVia:
		r.ConfirmVia = value
	}
}

func emptyRow(row registry.Row) bool {
	for _, c := range row.Cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
