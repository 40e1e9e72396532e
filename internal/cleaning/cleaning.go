package cleaning

import (
	"fmt"
	"math"
	"sort"

	"github.com/kjstillabower/climatescope/internal/analysis"
	"github.com/kjstillabower/climatescope/internal/dataset"
)

// FillStrategy selects how missing numeric values are imputed.
type FillStrategy string

const (
	FillMean   FillStrategy = "mean"
	FillMedian FillStrategy = "median"
	FillNone   FillStrategy = "none"
)

// ParseFillStrategy validates a strategy name. Empty means mean.
func ParseFillStrategy(s string) (FillStrategy, error) {
	switch FillStrategy(s) {
	case "", FillMean:
		return FillMean, nil
	case FillMedian, FillNone:
		return FillStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown fill strategy %q (use mean, median or none)", s)
	}
}

// Options configures Run.
type Options struct {
	// MaxMissingFraction drops columns whose missing share exceeds it. 0 disables.
	MaxMissingFraction float64
	// Critical columns are never dropped and rows missing them are removed.
	// When nil, country and the date column are used.
	Critical    []string
	NumericFill FillStrategy
	FillModes   bool
	Dedup       bool
	Conversions []Conversion
}

// DefaultOptions mirrors the usual one-time cleaning pass.
func DefaultOptions() Options {
	return Options{
		MaxMissingFraction: 0.5,
		NumericFill:        FillMean,
		FillModes:          true,
		Dedup:              true,
		Conversions:        DefaultConversions(),
	}
}

// Report describes what Run changed.
type Report struct {
	RowsIn            int            `json:"rowsIn"`
	RowsOut           int            `json:"rowsOut"`
	DroppedColumns    []string       `json:"droppedColumns,omitempty"`
	RowsMissingKey    int            `json:"rowsMissingCritical"`
	NumericFilled     map[string]int `json:"numericFilled,omitempty"`
	CategoricalFilled map[string]int `json:"categoricalFilled,omitempty"`
	Duplicates        int            `json:"duplicatesRemoved"`
	Converted         []string       `json:"convertedColumns,omitempty"`
}

// Run applies the cleaning pipeline to a copy of f:
// drop sparse columns, drop rows missing critical fields, fill numerics,
// fill categoricals, deduplicate, convert units.
func Run(f *dataset.Frame, opt Options) (*dataset.Frame, Report, error) {
	out := f.Clone()
	rep := Report{RowsIn: f.Len()}

	critical := opt.Critical
	if critical == nil {
		critical = defaultCritical(out)
	}
	if opt.MaxMissingFraction > 0 {
		rep.DroppedColumns = DropSparseColumns(out, opt.MaxMissingFraction, critical)
	}
	var n int
	out, n = DropMissingCritical(out, critical)
	rep.RowsMissingKey = n

	if opt.NumericFill != "" && opt.NumericFill != FillNone {
		filled, err := FillNumeric(out, opt.NumericFill)
		if err != nil {
			return nil, rep, err
		}
		rep.NumericFilled = filled
	}
	if opt.FillModes {
		rep.CategoricalFilled = FillCategorical(out)
	}
	if opt.Dedup {
		out, rep.Duplicates = Deduplicate(out)
	}
	if len(opt.Conversions) > 0 {
		conv, err := ConvertUnits(out, opt.Conversions)
		if err != nil {
			return nil, rep, err
		}
		rep.Converted = conv
	}
	rep.RowsOut = out.Len()
	return out, rep, nil
}

func defaultCritical(f *dataset.Frame) []string {
	var out []string
	if _, ok := f.Column(dataset.ColCountry); ok {
		out = append(out, dataset.ColCountry)
	}
	if c, ok := f.DateColumn(); ok {
		out = append(out, c.Name)
	}
	return out
}

// DropSparseColumns removes columns whose missing fraction exceeds maxFraction,
// except those named in keep. Returns the dropped names.
func DropSparseColumns(f *dataset.Frame, maxFraction float64, keep []string) []string {
	if f.Len() == 0 {
		return nil
	}
	protected := make(map[string]bool, len(keep))
	for _, k := range keep {
		protected[k] = true
	}
	var dropped []string
	for _, c := range append([]*dataset.Column(nil), f.Columns()...) {
		if protected[c.Name] {
			continue
		}
		if float64(c.MissingCount())/float64(f.Len()) > maxFraction {
			dropped = append(dropped, c.Name)
			f.DropColumn(c.Name)
		}
	}
	return dropped
}

// DropMissingCritical removes rows where any of the named columns is missing.
// Unknown column names are ignored.
func DropMissingCritical(f *dataset.Frame, cols []string) (*dataset.Frame, int) {
	var check []*dataset.Column
	for _, name := range cols {
		if c, ok := f.Column(name); ok {
			check = append(check, c)
		}
	}
	if len(check) == 0 {
		return f, 0
	}
	keep := make([]int, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		ok := true
		for _, c := range check {
			if c.Missing(i) {
				ok = false
				break
			}
		}
		if ok {
			keep = append(keep, i)
		}
	}
	if len(keep) == f.Len() {
		return f, 0
	}
	return f.Take(keep), f.Len() - len(keep)
}

// FillNumeric replaces NaNs in every numeric column with its mean or median.
// Columns with no values at all are left as they are. Returns fills per column.
func FillNumeric(f *dataset.Frame, strategy FillStrategy) (map[string]int, error) {
	if strategy != FillMean && strategy != FillMedian {
		return nil, fmt.Errorf("unsupported numeric fill %q", strategy)
	}
	filled := make(map[string]int)
	for _, c := range f.Columns() {
		if c.Kind != dataset.KindNumeric {
			continue
		}
		st := analysis.Describe(c.Num)
		if st.Count == 0 || st.Count == len(c.Num) {
			continue
		}
		v := st.Mean
		if strategy == FillMedian {
			v = st.Median
		}
		for i, x := range c.Num {
			if math.IsNaN(x) {
				c.Num[i] = v
				filled[c.Name]++
			}
		}
	}
	return filled, nil
}

// FillCategorical replaces empty values in every categorical column with the
// column mode. Ties go to the lexicographically smallest value.
func FillCategorical(f *dataset.Frame) map[string]int {
	filled := make(map[string]int)
	for _, c := range f.Columns() {
		if c.Kind != dataset.KindCategorical {
			continue
		}
		m, ok := Mode(c.Str)
		if !ok {
			continue
		}
		for i, s := range c.Str {
			if s == "" {
				c.Str[i] = m
				filled[c.Name]++
			}
		}
	}
	return filled
}

// Mode returns the most frequent non-empty value.
func Mode(vals []string) (string, bool) {
	counts := make(map[string]int)
	for _, v := range vals {
		if v != "" {
			counts[v]++
		}
	}
	if len(counts) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return best, true
}

// Deduplicate removes exact-duplicate rows, keeping the first occurrence.
func Deduplicate(f *dataset.Frame) (*dataset.Frame, int) {
	seen := make(map[string]struct{}, f.Len())
	keep := make([]int, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		k := f.RowKey(i)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keep = append(keep, i)
	}
	if len(keep) == f.Len() {
		return f, 0
	}
	return f.Take(keep), f.Len() - len(keep)
}
