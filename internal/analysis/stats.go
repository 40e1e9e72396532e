package analysis

import (
	"math"
	"sort"
)

// Stats summarizes the non-missing values of a numeric column.
// Std is the sample standard deviation (n-1); it is 0 for fewer than two values.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
}

// Describe computes Stats over vals, ignoring NaNs. An empty result has Count 0
// and zero-valued fields so it stays JSON-encodable.
func Describe(vals []float64) Stats {
	clean := dropNaN(vals)
	if len(clean) == 0 {
		return Stats{}
	}
	sort.Float64s(clean)

	// Welford
	var mean, m2 float64
	for i, x := range clean {
		delta := x - mean
		mean += delta / float64(i+1)
		m2 += delta * (x - mean)
	}
	st := Stats{
		Count:  len(clean),
		Mean:   mean,
		Min:    clean[0],
		Max:    clean[len(clean)-1],
		Median: Quantile(clean, 0.5),
		Q1:     Quantile(clean, 0.25),
		Q3:     Quantile(clean, 0.75),
	}
	if len(clean) > 1 {
		st.Std = math.Sqrt(m2 / float64(len(clean)-1))
	}
	return st
}

// Quantile returns the q-quantile of sorted values using linear interpolation.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if math.IsNaN(q) {
		return math.NaN()
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	w := pos - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

func dropNaN(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}
