package cql

import (
	"fmt"
	"time"
)

// MeasurementPeriod is the conventional name of the measure's reporting
// interval parameter.
const MeasurementPeriod = "Measurement Period"

// TimestampLayout renders instants in UTC with a trailing Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Parameters are the calculation inputs bound to library parameters by name.
type Parameters map[string]interface{}

// MeasurementPeriod returns the bound "Measurement Period" interval, if any.
func (p Parameters) MeasurementPeriod() (*Interval, bool) {
	iv, ok := p[MeasurementPeriod].(*Interval)
	return iv, ok && iv != nil
}

// Interval is a DateTime interval. A nil bound is unbounded on that side.
type Interval struct {
	Low        *time.Time
	High       *time.Time
	LowClosed  bool
	HighClosed bool
}

// NewInterval builds a closed interval [low, high].
func NewInterval(low, high time.Time) *Interval {
	low, high = low.UTC(), high.UTC()
	return &Interval{Low: &low, High: &high, LowClosed: true, HighClosed: true}
}

// Contains reports whether t lies inside the interval.
func (iv *Interval) Contains(t time.Time) bool {
	if iv == nil {
		return false
	}
	if iv.Low != nil {
		if t.Before(*iv.Low) || (!iv.LowClosed && t.Equal(*iv.Low)) {
			return false
		}
	}
	if iv.High != nil {
		if t.After(*iv.High) || (!iv.HighClosed && t.Equal(*iv.High)) {
			return false
		}
	}
	return true
}

// Start returns the low bound formatted as a UTC timestamp, or "".
func (iv *Interval) Start() string {
	if iv == nil || iv.Low == nil {
		return ""
	}
	return FormatTimestamp(*iv.Low)
}

// End returns the high bound formatted as a UTC timestamp, or "".
func (iv *Interval) End() string {
	if iv == nil || iv.High == nil {
		return ""
	}
	return FormatTimestamp(*iv.High)
}

func (iv *Interval) String() string {
	lb, hb := "(", ")"
	if iv.LowClosed {
		lb = "["
	}
	if iv.HighClosed {
		hb = "]"
	}
	return fmt.Sprintf("Interval%s%s, %s%s", lb, iv.Start(), iv.End(), hb)
}

// FormatTimestamp normalizes t to UTC and renders it with a Z suffix.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseDateTime parses the FHIR date and dateTime forms. Values without a
// zone are read as UTC.
func ParseDateTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cql: unable to parse date %q", s)
}

// AgeInYearsAt returns the whole calendar years between birth and at.
func AgeInYearsAt(birth, at time.Time) int {
	age := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		age--
	}
	return age
}
