// Package sheet repairs spreadsheet-style scalar encodings: date serials
// (days since the 1899-12-30 epoch) and fractional-day time values.
package sheet

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "02/01/2006"

// serialEpoch is the spreadsheet date-serial epoch (Lotus 1-2-3 convention).
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// RepairDate converts a date-serial cell to DD/MM/YYYY. Values that already
// look like calendar dates, or that cannot be interpreted, are returned
// unchanged.
func RepairDate(cell string) (string, bool) {
	s := strings.TrimSpace(cell)
	if s == "" || strings.Contains(s, "/") {
		return cell, false
	}
	serial, err := strconv.ParseFloat(s, 64)
	if err != nil || serial <= 1 {
		return cell, false
	}
	d := serialEpoch.AddDate(0, 0, int(serial))
	return d.Format(DateLayout), true
}

// RepairTime converts a fractional-day cell (0 <= v < 1) to HH:MM. Values
// that already contain a colon, or that cannot be interpreted, are returned
// unchanged.
func RepairTime(cell string) (string, bool) {
	s := strings.TrimSpace(cell)
	if s == "" || strings.Contains(s, ":") {
		return cell, false
	}
	frac, err := strconv.ParseFloat(s, 64)
	if err != nil || frac < 0 || frac >= 1 {
		return cell, false
	}
	totalSeconds := int(frac * 24 * 60 * 60)
	return fmt.Sprintf("%02d:%02d", totalSeconds/3600, (totalSeconds%3600)/60), true
}

// ParseDate parses a strict DD/MM/YYYY date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(s))
}

// ParseDateTime parses "DD/MM/YYYY HH:MM" in the given location.
func ParseDateTime(date, clock string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" 15:04",
		strings.TrimSpace(date)+" "+strings.TrimSpace(clock), loc)
}

// DaysUntil returns the whole-day difference between the given calendar date
// and now, both truncated to midnight in now's location.
func DaysUntil(date time.Time, now time.Time) int {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	target := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return int(target.Sub(today).Hours() / 24)
}
