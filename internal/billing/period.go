package billing

import (
	"fmt"
	"strings"
	"time"
)

// BillingPeriod is a parsed "YYYY-MM" token.
type BillingPeriod struct {
	Year  int
	Month time.Month
}

// ParseBillingPeriod parses the year-month token carried on an invoice.
func ParseBillingPeriod(token string) (BillingPeriod, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return BillingPeriod{}, NewRuleError("billing period is required", FieldBillingPeriod)
	}
	t, err := time.Parse("2006-01", token)
	if err != nil {
		return BillingPeriod{}, NewRuleError(fmt.Sprintf("invalid billing period %q, expected YYYY-MM", token), FieldBillingPeriod)
	}
	return BillingPeriod{Year: t.Year(), Month: t.Month()}, nil
}

// String renders the canonical token.
func (p BillingPeriod) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start returns the first day of the period at UTC midnight.
func (p BillingPeriod) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the period at UTC midnight.
func (p BillingPeriod) End() time.Time {
	return time.Date(p.Year, p.Month+1, 0, 0, 0, 0, 0, time.UTC)
}

// Days returns the number of days in the period.
func (p BillingPeriod) Days() int {
	return p.End().Day()
}

// AddMonths shifts the period, normalizing across year boundaries.
func (p BillingPeriod) AddMonths(n int) BillingPeriod {
	t := time.Date(p.Year, p.Month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return BillingPeriod{Year: t.Year(), Month: t.Month()}
}

// Cutoff returns the insurer cutoff date inside the period, clamped to the
// month length (cutoff day 31 in February yields the last day of February).
func (p BillingPeriod) Cutoff(cutoffDay int) time.Time {
	if cutoffDay < 1 {
		cutoffDay = 1
	}
	if last := p.Days(); cutoffDay > last {
		cutoffDay = last
	}
	return time.Date(p.Year, p.Month, cutoffDay, 0, 0, 0, 0, time.UTC)
}

// Window is a half-open date interval (Start, End] at day granularity.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the date falls inside (Start, End].
func (w Window) Contains(t time.Time) bool {
	d := dateOnly(t)
	return d.After(w.Start) && !d.After(w.End)
}

// LaggedWindows derives the two anchors of the T+1 model for month M:
// the base snapshot at the M-1 cutoff, and the adjustment window
// (M-2 cutoff, M-1 cutoff].
func LaggedWindows(p BillingPeriod, cutoffDay int) (baseCutoff time.Time, adjustment Window) {
	baseCutoff = p.AddMonths(-1).Cutoff(cutoffDay)
	adjustment = Window{
		Start: p.AddMonths(-2).Cutoff(cutoffDay),
		End:   baseCutoff,
	}
	return baseCutoff, adjustment
}

// coversDate reports whether the enrollment interval includes the date:
// added on or before it and not removed before it.
func (e Enrollment) coversDate(at time.Time) bool {
	at = dateOnly(at)
	if dateOnly(e.AddedAt).After(at) {
		return false
	}
	if e.RemovedAt != nil && dateOnly(*e.RemovedAt).Before(at) {
		return false
	}
	return true
}

// daysInMonthOf returns the length of the calendar month containing t.
func daysInMonthOf(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// inclusiveDays counts days between two dates, both ends included.
func inclusiveDays(a, b time.Time) int {
	a, b = dateOnly(a), dateOnly(b)
	if b.Before(a) {
		return 0
	}
	return int(b.Sub(a).Hours()/24) + 1
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func maxDate(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minDate(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
