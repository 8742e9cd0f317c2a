package engine

import (
	"fmt"
	"time"
)

// Window units. Durations are integral multiples of one unit.
const (
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

// Window is a sliding-window spec anchored to a transaction datetime.
type Window struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit"`
}

// Span converts the window into a time.Duration, rejecting unknown units
// and non-positive durations.
func (w Window) Span() (time.Duration, error) {
	if w.Duration <= 0 {
		return 0, fmt.Errorf("window duration must be positive, got %d", w.Duration)
	}
	switch w.Unit {
	case UnitMinutes:
		return time.Duration(w.Duration) * time.Minute, nil
	case UnitHours:
		return time.Duration(w.Duration) * time.Hour, nil
	case UnitDays:
		return time.Duration(w.Duration) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown window unit %q", w.Unit)
	}
}

// FactSuffix names the window inside aggregation fact paths, e.g.
// count_24hours for {24, hours}.
func (w Window) FactSuffix() string {
	return fmt.Sprintf("%d%s", w.Duration, w.Unit)
}

// Key is a stable identity for deduplicating equal windows across rules.
func (w Window) Key() string { return w.FactSuffix() }

// ComputeBounds derives the [start, end) bounds of a window anchored to a
// timestamp. end equals the anchor (exclusive); wall-clock is never
// consulted, so bounds are a pure function of (anchor, window).
func ComputeBounds(anchor time.Time, w Window) (start, end time.Time, err error) {
	span, err := w.Span()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return anchor.Add(-span), anchor, nil
}

// FilterInWindow keeps timestamps with start <= t < end. The exclusive end
// means the anchor transaction never self-includes.
func FilterInWindow(timestamps []time.Time, anchor time.Time, w Window) ([]time.Time, error) {
	start, end, err := ComputeBounds(anchor, w)
	if err != nil {
		return nil, err
	}
	var kept []time.Time
	for _, t := range timestamps {
		if !t.Before(start) && t.Before(end) {
			kept = append(kept, t)
		}
	}
	return kept, nil
}

// WindowAggregates summarizes the transactions inside one window. Count and
// Sum are zero on empty input; Avg, Max and Min are nil.
type WindowAggregates struct {
	Count int
	Sum   float64
	Avg   *float64
	Max   *float64
	Min   *float64
}

// Aggregate computes the window aggregates over a slice of amounts.
func Aggregate(amounts []float64) WindowAggregates {
	agg := WindowAggregates{Count: len(amounts)}
	if len(amounts) == 0 {
		return agg
	}
	max, min := amounts[0], amounts[0]
	for _, amount := range amounts {
		agg.Sum += amount
		if amount > max {
			max = amount
		}
		if amount < min {
			min = amount
		}
	}
	avg := agg.Sum / float64(len(amounts))
	agg.Avg, agg.Max, agg.Min = &avg, &max, &min
	return agg
}

// QuantizeBucket maps a timestamp onto the boundary of its dedup bucket:
// floor(t_ms / d_ms) * d_ms for a window of span d, or the UTC calendar day
// when the rule has no window.
func QuantizeBucket(t time.Time, w *Window) time.Time {
	span := 24 * time.Hour
	if w != nil {
		if s, err := w.Span(); err == nil {
			span = s
		}
	}
	ms := t.UnixMilli()
	spanMS := span.Milliseconds()
	return time.UnixMilli((ms / spanMS) * spanMS).UTC()
}

// BucketISO renders a bucket boundary in ISO-8601 UTC, the form embedded in
// alert dedup keys.
func BucketISO(t time.Time, w *Window) string {
	return QuantizeBucket(t, w).Format(time.RFC3339)
}
