package analysis

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kjstillabower/climatescope/internal/dataset"
)

// GroupValue is one bar/region of a per-group aggregate.
type GroupValue struct {
	Key   string  `json:"key"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// GroupMeans averages metric per distinct value of the categorical column groupCol.
// Rows with a missing key or value are skipped. Output is sorted by key.
func GroupMeans(f *dataset.Frame, metric, groupCol string) ([]GroupValue, error) {
	vals, err := f.Numeric(metric)
	if err != nil {
		return nil, err
	}
	g, ok := f.Column(groupCol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dataset.ErrUnknownColumn, groupCol)
	}
	if g.Kind != dataset.KindCategorical {
		return nil, fmt.Errorf("group by %s: not categorical", groupCol)
	}
	acc := make(map[string]*GroupValue)
	sums := make(map[string]float64)
	for i, v := range vals {
		key := g.Str[i]
		if key == "" || math.IsNaN(v) {
			continue
		}
		gv := acc[key]
		if gv == nil {
			gv = &GroupValue{Key: key, Min: v, Max: v}
			acc[key] = gv
		}
		gv.Count++
		sums[key] += v
		gv.Min = math.Min(gv.Min, v)
		gv.Max = math.Max(gv.Max, v)
	}
	out := make([]GroupValue, 0, len(acc))
	for k, gv := range acc {
		gv.Mean = sums[k] / float64(gv.Count)
		out = append(out, *gv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// MonthPoint is one point of a monthly line series.
type MonthPoint struct {
	Month string  `json:"month"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// MonthlySeries averages metric per calendar month of the date column, ascending.
func MonthlySeries(f *dataset.Frame, metric string) ([]MonthPoint, error) {
	vals, err := f.Numeric(metric)
	if err != nil {
		return nil, err
	}
	date, ok := f.DateColumn()
	if !ok {
		return nil, fmt.Errorf("%w: no date column", dataset.ErrUnknownColumn)
	}
	type acc struct {
		month    time.Time
		sum      float64
		min, max float64
		n        int
	}
	byMonth := make(map[time.Time]*acc)
	for i, v := range vals {
		if math.IsNaN(v) || date.Missing(i) {
			continue
		}
		t := date.Time[i]
		m := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		a := byMonth[m]
		if a == nil {
			a = &acc{month: m, min: v, max: v}
			byMonth[m] = a
		}
		a.sum += v
		a.n++
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}
	out := make([]MonthPoint, 0, len(byMonth))
	for _, a := range byMonth {
		out = append(out, MonthPoint{
			Month: a.month.Format("2006-01"),
			Mean:  a.sum / float64(a.n),
			Min:   a.min,
			Max:   a.max,
			Count: a.n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

// Bin is one histogram bucket covering [Lower, Upper); the last bin is closed.
type Bin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// Histogram buckets the non-missing values into equal-width bins.
// A constant column yields a single bin; no values yields none.
func Histogram(vals []float64, bins int) []Bin {
	if bins <= 0 {
		bins = 20
	}
	clean := dropNaN(vals)
	if len(clean) == 0 {
		return []Bin{}
	}
	lo, hi := clean[0], clean[0]
	for _, v := range clean {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		return []Bin{{Lower: lo, Upper: hi, Count: len(clean)}}
	}
	n := float64(bins)
	// Spans near ±MaxFloat64 overflow; those are scaled before subtracting.
	scale := 1.0
	if math.IsInf(hi-lo, 0) {
		scale = n
	}
	width := (hi/scale - lo/scale) / (n / scale)
	out := make([]Bin, bins)
	for i := range out {
		out[i].Lower = lo + float64(i)*width
		out[i].Upper = lo + float64(i+1)*width
	}
	out[bins-1].Upper = hi
	for _, v := range clean {
		pos := (v/scale - lo/scale) / (width / scale)
		idx := bins - 1
		if pos < float64(bins) {
			idx = int(pos)
		}
		if idx < 0 {
			idx = 0
		}
		out[idx].Count++
	}
	return out
}

// CorrMatrix is a symmetric Pearson correlation matrix. Off-diagonal pairs with
// no variance or fewer than two shared values are 0.
type CorrMatrix struct {
	Columns []string    `json:"columns"`
	Values  [][]float64 `json:"values"`
	Pairs   [][]int     `json:"pairs"`
}

// Correlations computes pairwise-complete Pearson correlations between metrics.
// When metrics is empty every numeric column is used.
func Correlations(f *dataset.Frame, metrics []string) (CorrMatrix, error) {
	if len(metrics) == 0 {
		metrics = f.NumericNames()
	}
	cols := make([][]float64, len(metrics))
	for i, m := range metrics {
		v, err := f.Numeric(m)
		if err != nil {
			return CorrMatrix{}, err
		}
		cols[i] = v
	}
	n := len(metrics)
	out := CorrMatrix{Columns: metrics, Values: make([][]float64, n), Pairs: make([][]int, n)}
	for i := range out.Values {
		out.Values[i] = make([]float64, n)
		out.Pairs[i] = make([]int, n)
	}
	for a := 0; a < n; a++ {
		for b := a; b < n; b++ {
			r, cnt := pearson(cols[a], cols[b])
			if a == b && cnt > 0 {
				r = 1
			}
			out.Values[a][b], out.Values[b][a] = r, r
			out.Pairs[a][b], out.Pairs[b][a] = cnt, cnt
		}
	}
	return out, nil
}

func pearson(x, y []float64) (float64, int) {
	var n, sx, sy, sxx, syy, sxy float64
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		n++
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		syy += y[i] * y[i]
		sxy += x[i] * y[i]
	}
	if n < 2 {
		return 0, int(n)
	}
	denom := math.Sqrt((n*sxx - sx*sx) * (n*syy - sy*sy))
	if denom == 0 || math.IsNaN(denom) {
		return 0, int(n)
	}
	r := (n*sxy - sx*sy) / denom
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, int(n)
}
