package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/kjstillabower/climatescope/internal/dataset"
)

// Method selects the extreme-value rule.
type Method string

const (
	MethodZScore     Method = "zscore"
	MethodIQR        Method = "iqr"
	MethodPercentile Method = "percentile"
)

// Default thresholds per method.
const (
	DefaultZScoreK    = 3.0
	DefaultIQRK       = 1.5
	DefaultPercentile = 95.0
)

var ErrInvalidThreshold = errors.New("invalid threshold")

// ExtremeOptions configures DetectExtremes. Zero K or Percentile selects the method default.
type ExtremeOptions struct {
	Method     Method
	K          float64
	Percentile float64
}

// ParseMethod validates a method name; empty means zscore.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodZScore:
		return MethodZScore, nil
	case MethodIQR, MethodPercentile:
		return Method(s), nil
	default:
		return "", fmt.Errorf("%w: unknown method %q", ErrInvalidThreshold, s)
	}
}

// Extremes is the outcome of DetectExtremes. Rows index into the input frame,
// ordered by distance from the bounds, largest first.
type Extremes struct {
	Metric     string  `json:"metric"`
	Method     Method  `json:"method"`
	K          float64 `json:"k,omitempty"`
	Percentile float64 `json:"percentile,omitempty"`
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Evaluated  int     `json:"evaluated"`
	Rows       []int   `json:"-"`
}

// DetectExtremes flags rows of a numeric column that lie outside the method's bounds:
//   - zscore: |v-mean| > k*std
//   - iqr: v < Q1-k*IQR or v > Q3+k*IQR
//   - percentile: v > the p-th percentile
//
// NaNs are ignored. A zero spread (std or IQR of 0) or fewer than two values flags nothing.
func DetectExtremes(f *dataset.Frame, metric string, opt ExtremeOptions) (Extremes, error) {
	vals, err := f.Numeric(metric)
	if err != nil {
		return Extremes{}, err
	}
	method, err := ParseMethod(string(opt.Method))
	if err != nil {
		return Extremes{}, err
	}
	st := Describe(vals)
	res := Extremes{Metric: metric, Method: method, Mean: st.Mean, Std: st.Std, Evaluated: st.Count}

	switch method {
	case MethodZScore:
		k := opt.K
		if k == 0 {
			k = DefaultZScoreK
		}
		if !validK(k) {
			return Extremes{}, fmt.Errorf("%w: k must be a positive finite number", ErrInvalidThreshold)
		}
		res.K = k
		if st.Count < 2 || st.Std == 0 {
			res.Lower, res.Upper = st.Mean, st.Mean
			return res, nil
		}
		res.Lower, res.Upper = st.Mean-k*st.Std, st.Mean+k*st.Std
		res.Rows = flag(vals, func(v float64) float64 {
			return math.Abs(v-st.Mean) - k*st.Std
		})
	case MethodIQR:
		k := opt.K
		if k == 0 {
			k = DefaultIQRK
		}
		if !validK(k) {
			return Extremes{}, fmt.Errorf("%w: k must be a positive finite number", ErrInvalidThreshold)
		}
		res.K = k
		iqr := st.Q3 - st.Q1
		res.Lower, res.Upper = st.Q1-k*iqr, st.Q3+k*iqr
		if st.Count < 2 || iqr == 0 {
			return res, nil
		}
		res.Rows = flag(vals, func(v float64) float64 {
			return math.Max(res.Lower-v, v-res.Upper)
		})
	case MethodPercentile:
		p := opt.Percentile
		if p == 0 {
			p = DefaultPercentile
		}
		if !(p > 0 && p < 100) {
			return Extremes{}, fmt.Errorf("%w: percentile must be in (0, 100)", ErrInvalidThreshold)
		}
		res.Percentile = p
		if st.Count < 2 {
			return res, nil
		}
		sorted := dropNaN(vals)
		sort.Float64s(sorted)
		cut := Quantile(sorted, p/100)
		res.Lower, res.Upper = st.Min, cut
		res.Rows = flag(vals, func(v float64) float64 { return v - cut })
	}
	return res, nil
}

func validK(k float64) bool {
	return k > 0 && !math.IsInf(k, 0)
}

// flag returns indices where excess(v) > 0, largest excess first, ties by index.
func flag(vals []float64, excess func(float64) float64) []int {
	type hit struct {
		row int
		by  float64
	}
	var hits []hit
	for i, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if e := excess(v); e > 0 {
			hits = append(hits, hit{i, e})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].by > hits[b].by })
	rows := make([]int, len(hits))
	for i, h := range hits {
		rows[i] = h.row
	}
	return rows
}
