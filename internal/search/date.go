package search

import (
	"fmt"
	"strings"
	"time"
)

// DateRange is the [Start, End) window a date value covers at its stated
// precision: "1982" covers the whole year, "1982-01" the month, and so on.
// Period elements with open ends use the infinite past/future sentinels.
type DateRange struct {
	Start time.Time
	End   time.Time
}

var (
	infinitePast   = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	infiniteFuture = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

// ParseDateRange parses a FHIR date/dateTime search value into its precision
// window.
func ParseDateRange(value string) (DateRange, error) {
	value = strings.TrimSpace(value)

	if !strings.Contains(value, "T") {
		switch len(value) {
		case 4: // YYYY
			t, err := time.Parse("2006", value)
			if err != nil {
				return DateRange{}, fmt.Errorf("invalid year %q: %w", value, err)
			}
			return DateRange{Start: t, End: t.AddDate(1, 0, 0)}, nil
		case 7: // YYYY-MM
			t, err := time.Parse("2006-01", value)
			if err != nil {
				return DateRange{}, fmt.Errorf("invalid month %q: %w", value, err)
			}
			return DateRange{Start: t, End: t.AddDate(0, 1, 0)}, nil
		case 10: // YYYY-MM-DD
			t, err := time.Parse("2006-01-02", value)
			if err != nil {
				return DateRange{}, fmt.Errorf("invalid date %q: %w", value, err)
			}
			return DateRange{Start: t, End: t.AddDate(0, 0, 1)}, nil
		default:
			return DateRange{}, fmt.Errorf("unrecognized date %q", value)
		}
	}

	// Times: precision is minute or finer.
	type attempt struct {
		layout string
		step   time.Duration
	}
	attempts := []attempt{
		{"2006-01-02T15:04:05.999999999Z07:00", time.Second},
		{"2006-01-02T15:04:05Z07:00", time.Second},
		{"2006-01-02T15:04:05", time.Second},
		{"2006-01-02T15:04Z07:00", time.Minute},
		{"2006-01-02T15:04", time.Minute},
	}
	for _, a := range attempts {
		if t, err := time.Parse(a.layout, value); err == nil {
			return DateRange{Start: t, End: t.Add(a.step)}, nil
		}
	}
	return DateRange{}, fmt.Errorf("unrecognized dateTime %q", value)
}

// periodRange converts a FHIR Period element into a window; absent endpoints
// extend to the infinite past/future.
func periodRange(period map[string]interface{}) (DateRange, bool) {
	r := DateRange{Start: infinitePast, End: infiniteFuture}
	found := false
	if s, ok := period["start"].(string); ok {
		if pr, err := ParseDateRange(s); err == nil {
			r.Start = pr.Start
			found = true
		}
	}
	if e, ok := period["end"].(string); ok {
		if pr, err := ParseDateRange(e); err == nil {
			r.End = pr.End
			found = true
		}
	}
	return r, found
}

// matchDateRange compares a value window against a query window under a
// search prefix.
func matchDateRange(prefix Prefix, value, query DateRange) bool {
	switch prefix {
	case PrefixEq:
		// value window fully inside the query window
		return !value.Start.Before(query.Start) && !value.End.After(query.End)
	case PrefixNe:
		return !value.Start.Equal(query.Start) || !value.End.Equal(query.End)
	case PrefixGt:
		return value.End.After(query.End)
	case PrefixLt:
		return value.Start.Before(query.Start)
	case PrefixGe:
		return !value.End.Before(query.Start)
	case PrefixLe:
		return !value.Start.After(query.End)
	case PrefixSa:
		return value.Start.After(query.End)
	case PrefixEb:
		return value.End.Before(query.Start)
	case PrefixAp:
		const day = 24 * time.Hour
		if overlaps(value, query) {
			return true
		}
		return absDuration(value.Start.Sub(query.Start)) <= day ||
			absDuration(value.End.Sub(query.End)) <= day
	}
	return false
}

func overlaps(a, b DateRange) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
