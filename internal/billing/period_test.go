package billing

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseBillingPeriod(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		want    string
	}{
		{"2025-03", false, "2025-03"},
		{" 2025-03 ", false, "2025-03"},
		{"2024-12", false, "2024-12"},
		{"", true, ""},
		{"2025-13", true, ""},
		{"2025-3", true, ""},
		{"03-2025", true, ""},
		{"2025-03-01", true, ""},
	}
	for _, c := range cases {
		p, err := ParseBillingPeriod(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseBillingPeriod(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseBillingPeriod(%q): %v", c.in, err)
		}
		if p.String() != c.want {
			t.Errorf("ParseBillingPeriod(%q) = %s, want %s", c.in, p, c.want)
		}
	}
}

func TestPeriodDays(t *testing.T) {
	cases := []struct {
		token string
		days  int
	}{
		{"2025-01", 31},
		{"2025-02", 28},
		{"2024-02", 29},
		{"2025-04", 30},
	}
	for _, c := range cases {
		p, err := ParseBillingPeriod(c.token)
		if err != nil {
			t.Fatalf("parse %q: %v", c.token, err)
		}
		if got := p.Days(); got != c.days {
			t.Errorf("%s: Days() = %d, want %d", c.token, got, c.days)
		}
	}
}

func TestCutoffClamps(t *testing.T) {
	p := BillingPeriod{Year: 2025, Month: time.February}
	if got := p.Cutoff(31); !got.Equal(date(2025, time.February, 28)) {
		t.Errorf("cutoff 31 in Feb = %v, want Feb 28", got)
	}
	if got := p.Cutoff(15); !got.Equal(date(2025, time.February, 15)) {
		t.Errorf("cutoff 15 = %v", got)
	}
	if got := p.Cutoff(0); !got.Equal(date(2025, time.February, 1)) {
		t.Errorf("cutoff 0 clamps to day 1, got %v", got)
	}
}

func TestLaggedWindows(t *testing.T) {
	p := BillingPeriod{Year: 2025, Month: time.March}
	baseCutoff, window := LaggedWindows(p, 20)

	if !baseCutoff.Equal(date(2025, time.February, 20)) {
		t.Fatalf("base cutoff = %v, want 2025-02-20", baseCutoff)
	}
	if !window.Start.Equal(date(2025, time.January, 20)) || !window.End.Equal(date(2025, time.February, 20)) {
		t.Fatalf("window = %v..%v", window.Start, window.End)
	}

	// Half-open (start, end]: the previous cutoff belongs to the previous
	// invoice, the current cutoff to this one.
	if window.Contains(date(2025, time.January, 20)) {
		t.Error("window must exclude its start")
	}
	if !window.Contains(date(2025, time.January, 21)) {
		t.Error("window must include start+1")
	}
	if !window.Contains(date(2025, time.February, 20)) {
		t.Error("window must include its end")
	}
	if window.Contains(date(2025, time.February, 21)) {
		t.Error("window must exclude end+1")
	}
}

func TestLaggedWindowsMonthEndCutoff(t *testing.T) {
	// Cutoff day 31 clamps inside short months, so March's base snapshot
	// lands on the last day of February.
	p := BillingPeriod{Year: 2025, Month: time.March}
	baseCutoff, window := LaggedWindows(p, 31)
	if !baseCutoff.Equal(date(2025, time.February, 28)) {
		t.Fatalf("base cutoff = %v, want 2025-02-28", baseCutoff)
	}
	if !window.Start.Equal(date(2025, time.January, 31)) {
		t.Fatalf("window start = %v, want 2025-01-31", window.Start)
	}
}

func TestCoversDate(t *testing.T) {
	removed := date(2025, time.February, 10)
	e := Enrollment{AddedAt: date(2025, time.January, 5), RemovedAt: &removed}

	if e.coversDate(date(2025, time.January, 4)) {
		t.Error("before AddedAt must not be covered")
	}
	if !e.coversDate(date(2025, time.January, 5)) {
		t.Error("AddedAt itself must be covered")
	}
	if !e.coversDate(date(2025, time.February, 10)) {
		t.Error("RemovedAt itself must still be covered")
	}
	if e.coversDate(date(2025, time.February, 11)) {
		t.Error("after RemovedAt must not be covered")
	}

	open := Enrollment{AddedAt: date(2025, time.January, 5)}
	if !open.coversDate(date(2030, time.June, 1)) {
		t.Error("open-ended enrollment covers any later date")
	}
}

func TestInclusiveDays(t *testing.T) {
	if got := inclusiveDays(date(2025, time.March, 10), date(2025, time.March, 10)); got != 1 {
		t.Errorf("same day = %d, want 1", got)
	}
	if got := inclusiveDays(date(2025, time.March, 1), date(2025, time.March, 31)); got != 31 {
		t.Errorf("full month = %d, want 31", got)
	}
	if got := inclusiveDays(date(2025, time.March, 10), date(2025, time.March, 9)); got != 0 {
		t.Errorf("inverted = %d, want 0", got)
	}
}
