package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// LoadOptions controls CSV ingestion.
type LoadOptions struct {
	// Delimiter defaults to ','.
	Delimiter rune
	// MaxRows limits rows kept; 0 means unlimited.
	MaxRows int
}

// missingTokens are read as missing values.
var missingTokens = []string{"", "NA", "N/A", "NaN", "null", "<nil>"}

var timeLayouts = []string{
	time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04",
	"2006-01-02", "2006/01/02", "1/2/2006 15:04", "1/2/2006", "02-01-2006",
}

// ParseTime tries the supported timestamp layouts in order.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// LoadCSV reads a CSV with a header row. Numeric columns are detected by gota;
// string columns whose every non-empty value parses as a timestamp, or whose
// name is a known date column, become time columns. Everything else is categorical.
// Infinite numbers are read as missing.
func LoadCSV(r io.Reader, opt LoadOptions) (*Frame, error) {
	delim := opt.Delimiter
	if delim == 0 {
		delim = ','
	}
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(true),
		dataframe.WithDelimiter(delim),
		dataframe.NaNValues(missingTokens),
	)
	if df.Err != nil {
		return nil, fmt.Errorf("read csv: %w", df.Err)
	}
	if opt.MaxRows > 0 && df.Nrow() > opt.MaxRows {
		idx := make([]int, opt.MaxRows)
		for i := range idx {
			idx[i] = i
		}
		df = df.Subset(idx)
		if df.Err != nil {
			return nil, fmt.Errorf("limit rows: %w", df.Err)
		}
	}

	cols := make([]*Column, 0, df.Ncol())
	for _, name := range df.Names() {
		s := df.Col(name)
		clean := strings.TrimSpace(name)
		switch s.Type() {
		case series.Int, series.Float:
			vals := s.Float()
			for i, v := range vals {
				if math.IsInf(v, 0) {
					vals[i] = math.NaN()
				}
			}
			cols = append(cols, NewNumeric(clean, vals))
		default:
			cols = append(cols, stringColumn(clean, s.Records()))
		}
	}
	return NewFrame(cols...)
}

func stringColumn(name string, recs []string) *Column {
	vals := make([]string, len(recs))
	for i, v := range recs {
		v = strings.TrimSpace(v)
		if v == "NaN" {
			v = ""
		}
		vals[i] = v
	}
	if isDateName(name) || allTimes(vals) {
		times := make([]time.Time, len(vals))
		for i, v := range vals {
			if t, ok := ParseTime(v); ok {
				times[i] = t
			}
		}
		return NewTime(name, times)
	}
	return NewCategorical(name, vals)
}

func isDateName(name string) bool {
	for _, d := range DateColumns {
		if strings.EqualFold(name, d) {
			return true
		}
	}
	return false
}

func allTimes(vals []string) bool {
	seen := 0
	for _, v := range vals {
		if v == "" {
			continue
		}
		if _, ok := ParseTime(v); !ok {
			return false
		}
		seen++
	}
	return seen > 0
}

// WriteCSV writes the frame with a header row. Missing values are written as empty fields.
func WriteCSV(w io.Writer, f *Frame) error {
	recs := f.Records()
	if f.Len() == 0 || len(f.Columns()) == 0 {
		cw := csv.NewWriter(w)
		if err := cw.WriteAll(recs); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		return nil
	}
	df := dataframe.LoadRecords(recs,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.NaNValues(nil),
	)
	if df.Err != nil {
		return fmt.Errorf("build csv: %w", df.Err)
	}
	if err := df.WriteCSV(w); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// NaN is the missing numeric value.
func NaN() float64 { return math.NaN() }
