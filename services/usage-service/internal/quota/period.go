package quota

import (
	"fmt"
	"strings"
	"time"
)

// Period is the accounting window a quota resets on. Boundaries are computed in UTC.
type Period string

const (
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

func ParsePeriod(raw string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(raw))); p {
	case Daily, Monthly:
		return p, nil
	case "":
		return Monthly, nil
	}
	return "", fmt.Errorf("unknown quota period %q (want daily or monthly)", raw)
}

// Start returns the beginning of the window containing t.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	if p == Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the exclusive end of the window containing t.
func (p Period) End(t time.Time) time.Time {
	start := p.Start(t)
	if p == Daily {
		return start.AddDate(0, 0, 1)
	}
	return start.AddDate(0, 1, 0)
}
