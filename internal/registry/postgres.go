package registry

import (
	"context"
	"fmt"

	"github.com/clinicware/patientflow/libs/db"
)

// columnNames maps sheet column letters onto the patients table.
var columnNames = map[string]string{
	ColName:       "full_name",
	ColPhone:      "phone",
	ColEmail:      "email",
	ColDate:       "exam_date",
	ColTime:       "exam_time",
	ColAddress:    "address",
	ColStatus:     "status",
	ColFeedback:   "feedback",
	ColBirthDate:  "birth_date",
	ColExtra:      "extra",
	ColConsent:    "consent_status",
	ColConfirmVia: "confirm_channel",
}

// Postgres adapts a patients table to the sheet-like bulk-read / cell-write
// contract. Rows are ordered by row_num, which plays the role of the sheet
// row number.
type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) ReadRows(ctx context.Context) ([]Row, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT row_num,
		       COALESCE(full_name, ''), COALESCE(phone, ''), COALESCE(email, ''),
		       COALESCE(exam_date, ''), COALESCE(exam_time, ''), COALESCE(address, ''),
		       COALESCE(status, ''), COALESCE(feedback, ''), COALESCE(birth_date, ''),
		       COALESCE(extra, ''), COALESCE(consent_status, ''), COALESCE(confirm_channel, '')
		FROM patients
		ORDER BY row_num
	`)
	if err != nil {
		return nil, fmt.Errorf("registry read: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r := Row{Cells: make([]string, RowWidth)}
		dest := make([]any, 0, RowWidth+1)
		dest = append(dest, &r.Num)
		for i := range r.Cells {
			dest = append(dest, &r.Cells[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("registry scan: %w", err)
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("registry read: %w", rows.Err())
	}
	return out, nil
}

func (p *Postgres) WriteCell(ctx context.Context, rowNum int, col string, value string) error {
	name, ok := columnNames[col]
	if !ok {
		return fmt.Errorf("registry write: unknown column %q", col)
	}
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE patients SET %s = $1 WHERE row_num = $2`, name),
		value, rowNum)
	if err != nil {
		return fmt.Errorf("registry write %s%d: %w", col, rowNum, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry write %s%d: %w", col, rowNum, ErrRowNotFound)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
