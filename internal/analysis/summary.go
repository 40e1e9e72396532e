package analysis

import (
	"time"

	"github.com/kjstillabower/climatescope/internal/dataset"
)

// ColumnInfo describes one column for clients building filter widgets.
type ColumnInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Missing int    `json:"missing"`
}

// Summary is the KPI header of a (possibly filtered) dataset.
type Summary struct {
	Rows      int              `json:"rows"`
	Countries int              `json:"countries"`
	Locations int              `json:"locations"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
	Columns   []ColumnInfo     `json:"columns"`
	Metrics   map[string]Stats `json:"metrics"`
}

// Columns lists the frame's columns with kind and missing counts.
func Columns(f *dataset.Frame) []ColumnInfo {
	out := make([]ColumnInfo, 0, len(f.Columns()))
	for _, c := range f.Columns() {
		out = append(out, ColumnInfo{Name: c.Name, Kind: c.Kind.String(), Missing: c.MissingCount()})
	}
	return out
}

// Summarize computes row/country/location counts, the date range and Stats per numeric column.
func Summarize(f *dataset.Frame) Summary {
	s := Summary{
		Rows:    f.Len(),
		Columns: Columns(f),
		Metrics: make(map[string]Stats),
	}
	s.Countries = distinct(f, dataset.ColCountry)
	s.Locations = distinct(f, dataset.ColLocation)
	if date, ok := f.DateColumn(); ok {
		var lo, hi time.Time
		for i, t := range date.Time {
			if date.Missing(i) {
				continue
			}
			if lo.IsZero() || t.Before(lo) {
				lo = t
			}
			if hi.IsZero() || t.After(hi) {
				hi = t
			}
		}
		if !lo.IsZero() {
			s.From = lo.Format(dataset.TimeLayout)
			s.To = hi.Format(dataset.TimeLayout)
		}
	}
	for _, c := range f.Columns() {
		if c.Kind == dataset.KindNumeric {
			s.Metrics[c.Name] = Describe(c.Num)
		}
	}
	return s
}

func distinct(f *dataset.Frame, name string) int {
	c, ok := f.Column(name)
	if !ok || c.Kind != dataset.KindCategorical {
		return 0
	}
	seen := make(map[string]struct{})
	for _, v := range c.Str {
		if v != "" {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}
