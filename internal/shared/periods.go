package shared

import (
	"fmt"
	"time"
)

// Month identifies a calendar month. All monthly business rules use it so
// boundaries stay consistent between modules.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month containing t in loc (UTC when nil).
func MonthOf(t time.Time, loc *time.Location) Month {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return Month{Year: t.Year(), Month: t.Month()}
}

// Previous returns the preceding calendar month.
func (m Month) Previous() Month {
	if m.Month == time.January {
		return Month{Year: m.Year - 1, Month: time.December}
	}
	return Month{Year: m.Year, Month: m.Month - 1}
}

// Key renders the month as YYYY-MM, the persisted period format.
func (m Month) Key() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Start returns the first instant of the month in loc.
func (m Month) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, loc)
}

// ParseMonth parses a YYYY-MM key.
func ParseMonth(key string) (Month, error) {
	t, err := time.Parse("2006-01", key)
	if err != nil {
		return Month{}, fmt.Errorf("%w: period %q", ErrValidation, key)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}
