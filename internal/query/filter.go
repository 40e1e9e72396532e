package query

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/climatescope/internal/dataset"
)

// ErrInvalidQuery is returned for malformed filter or parameter values.
var ErrInvalidQuery = errors.New("invalid query")

// DateLayout is the accepted format of from/to.
const DateLayout = "2006-01-02"

// Range bounds a numeric metric. Nil bounds are open.
type Range struct {
	Metric string
	Min    *float64
	Max    *float64
}

func (r Range) contains(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

func (r Range) String() string {
	b := func(p *float64) string {
		if p == nil {
			return ""
		}
		return strconv.FormatFloat(*p, 'g', -1, 64)
	}
	return r.Metric + ":" + b(r.Min) + ":" + b(r.Max)
}

// Filter selects rows of a frame. Zero value matches everything.
type Filter struct {
	Countries []string
	Locations []string
	From      time.Time // inclusive
	To        time.Time // inclusive calendar day
	Ranges    []Range
}

// Limits bounds the length of country and location names, in runes.
type Limits struct {
	MinNameLen int
	MaxNameLen int
}

// Parse builds a Filter from URL parameters:
//
//	country=India&country=France&location=Paris&from=2024-05-01&to=2024-05-31&range=humidity:20:80
//
// A range bound may be empty to leave that side open.
func Parse(v url.Values, lim Limits) (Filter, error) {
	var f Filter
	for _, c := range v["country"] {
		name, err := ValidateName(c, lim.MinNameLen, lim.MaxNameLen)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: country: %v", ErrInvalidQuery, err)
		}
		f.Countries = append(f.Countries, name)
	}
	for _, l := range v["location"] {
		name, err := ValidateName(l, lim.MinNameLen, lim.MaxNameLen)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: location: %v", ErrInvalidQuery, err)
		}
		f.Locations = append(f.Locations, name)
	}
	var err error
	if f.From, err = parseDate(v.Get("from")); err != nil {
		return Filter{}, fmt.Errorf("%w: from: %v", ErrInvalidQuery, err)
	}
	if f.To, err = parseDate(v.Get("to")); err != nil {
		return Filter{}, fmt.Errorf("%w: to: %v", ErrInvalidQuery, err)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return Filter{}, fmt.Errorf("%w: to is before from", ErrInvalidQuery)
	}
	for _, raw := range v["range"] {
		r, err := parseRange(raw)
		if err != nil {
			return Filter{}, err
		}
		f.Ranges = append(f.Ranges, r)
	}
	return f, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(DateLayout, s)
}

func parseRange(raw string) (Range, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return Range{}, fmt.Errorf("%w: range %q must be metric:min:max", ErrInvalidQuery, raw)
	}
	metric, err := ValidateColumn(parts[0])
	if err != nil {
		return Range{}, err
	}
	r := Range{Metric: metric}
	bound := func(s string) (*float64, error) {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		x, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(x) {
			return nil, fmt.Errorf("%w: range %q: bad bound %q", ErrInvalidQuery, raw, s)
		}
		return &x, nil
	}
	if r.Min, err = bound(parts[1]); err != nil {
		return Range{}, err
	}
	if r.Max, err = bound(parts[2]); err != nil {
		return Range{}, err
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return Range{}, fmt.Errorf("%w: range %q: min above max", ErrInvalidQuery, raw)
	}
	return r, nil
}

// IsZero reports whether the filter matches every row.
func (f Filter) IsZero() bool {
	return len(f.Countries) == 0 && len(f.Locations) == 0 &&
		f.From.IsZero() && f.To.IsZero() && len(f.Ranges) == 0
}

// Apply returns the rows of fr matching every condition. Country and location
// match case-insensitively. Rows missing a filtered field never match.
func (f Filter) Apply(fr *dataset.Frame) (*dataset.Frame, error) {
	if f.IsZero() {
		return fr, nil
	}
	type check func(i int) bool
	var checks []check

	if len(f.Countries) > 0 {
		c, err := categorical(fr, dataset.ColCountry)
		if err != nil {
			return nil, err
		}
		set := lowerSet(f.Countries)
		checks = append(checks, func(i int) bool { return set[strings.ToLower(c.Str[i])] })
	}
	if len(f.Locations) > 0 {
		c, err := categorical(fr, dataset.ColLocation)
		if err != nil {
			return nil, err
		}
		set := lowerSet(f.Locations)
		checks = append(checks, func(i int) bool { return set[strings.ToLower(c.Str[i])] })
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		date, ok := fr.DateColumn()
		if !ok {
			return nil, fmt.Errorf("%w: dataset has no date column", ErrInvalidQuery)
		}
		from, to := f.From, f.To
		if !to.IsZero() {
			to = to.AddDate(0, 0, 1)
		}
		checks = append(checks, func(i int) bool {
			if date.Missing(i) {
				return false
			}
			t := date.Time[i]
			if !from.IsZero() && t.Before(from) {
				return false
			}
			if !to.IsZero() && !t.Before(to) {
				return false
			}
			return true
		})
	}
	for _, r := range f.Ranges {
		vals, err := fr.Numeric(r.Metric)
		if err != nil {
			return nil, err
		}
		r := r
		checks = append(checks, func(i int) bool { return r.contains(vals[i]) })
	}

	rows := make([]int, 0, fr.Len())
	for i := 0; i < fr.Len(); i++ {
		ok := true
		for _, c := range checks {
			if !c(i) {
				ok = false
				break
			}
		}
		if ok {
			rows = append(rows, i)
		}
	}
	return fr.Take(rows), nil
}

// Key is a canonical form of the filter: equal filters have equal keys
// regardless of parameter order or name case.
func (f Filter) Key() string {
	var parts []string
	if len(f.Countries) > 0 {
		parts = append(parts, "country="+strings.Join(sortedLower(f.Countries), ","))
	}
	if len(f.Locations) > 0 {
		parts = append(parts, "location="+strings.Join(sortedLower(f.Locations), ","))
	}
	if !f.From.IsZero() {
		parts = append(parts, "from="+f.From.Format(DateLayout))
	}
	if !f.To.IsZero() {
		parts = append(parts, "to="+f.To.Format(DateLayout))
	}
	if len(f.Ranges) > 0 {
		rs := make([]string, len(f.Ranges))
		for i, r := range f.Ranges {
			rs[i] = r.String()
		}
		sort.Strings(rs)
		parts = append(parts, "range="+strings.Join(rs, ","))
	}
	return strings.Join(parts, "&")
}

func categorical(fr *dataset.Frame, name string) (*dataset.Column, error) {
	c, ok := fr.Column(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dataset.ErrUnknownColumn, name)
	}
	if c.Kind != dataset.KindCategorical {
		return nil, fmt.Errorf("%w: %s is not categorical", ErrInvalidQuery, name)
	}
	return c, nil
}

func lowerSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[strings.ToLower(v)] = true
	}
	return out
}

func sortedLower(vals []string) []string {
	set := lowerSet(vals)
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
