// Package registry defines the contract with the external tabular store that
// owns patient rows. The store is read in bulk and written one cell at a
// time, addressed by row number and column letter.
package registry

import (
	"context"
	"errors"
)

// Column letters of the patient sheet layout.
const (
	ColName       = "A"
	ColPhone      = "B"
	ColEmail      = "C"
	ColDate       = "D"
	ColTime       = "E"
	ColAddress    = "F"
	ColStatus     = "G"
	ColFeedback   = "H"
	ColBirthDate  = "I"
	ColExtra      = "J"
	ColConsent    = "K"
	ColConfirmVia = "L"
)

// RowWidth is the number of columns (A..L) every row is padded to.
const RowWidth = 12

// Row is one raw registry row. Num is the 1-based row number used for cell
// writes; it is only meaningful until the next bulk read.
type Row struct {
	Num   int
	Cells []string
}

var ErrRowNotFound = errors.New("registry: row not found")

// Registry is the external authoritative store.
type Registry interface {
	// ReadRows returns all patient rows in order. Not incremental: callers
	// replace their whole mirror on every read.
	ReadRows(ctx context.Context) ([]Row, error)
	// WriteCell updates a single cell addressed by row number and column
	// letter.
	WriteCell(ctx context.Context, rowNum int, col string, value string) error
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// CellIndex maps a column letter to its 0-based cell index.
func CellIndex(col string) int {
	if len(col) != 1 || col[0] < 'A' || col[0] > 'L' {
		return -1
	}
	return int(col[0] - 'A')
}
