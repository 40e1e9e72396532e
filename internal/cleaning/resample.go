package cleaning

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kjstillabower/climatescope/internal/dataset"
)

// ErrNoDateColumn is returned when a frame has no observation timestamp column.
var ErrNoDateColumn = errors.New("no date column")

// MonthColumn is the name of the bucket column produced by Monthly.
const MonthColumn = "month"

// CountColumn holds the number of source rows per bucket.
const CountColumn = "observations"

type bucket struct {
	groups []string
	month  time.Time
	sums   []float64
	counts []int
	rows   int
}

// Monthly resamples f to calendar-month means of every numeric column, optionally
// split by the categorical columns in groupBy. Rows without a timestamp are skipped.
// Output is sorted by group values, then month.
func Monthly(f *dataset.Frame, groupBy []string) (*dataset.Frame, error) {
	date, ok := f.DateColumn()
	if !ok {
		return nil, ErrNoDateColumn
	}
	var groupCols []*dataset.Column
	for _, name := range groupBy {
		if name == MonthColumn || name == CountColumn {
			return nil, fmt.Errorf("group by %s: name is reserved for resampled output", name)
		}
		c, ok := f.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", dataset.ErrUnknownColumn, name)
		}
		if c.Kind != dataset.KindCategorical {
			return nil, fmt.Errorf("group by %s: not categorical", name)
		}
		groupCols = append(groupCols, c)
	}
	var numCols []*dataset.Column
	for _, c := range f.Columns() {
		// A numeric "month" or "observations" column would collide with the generated ones.
		if c.Kind == dataset.KindNumeric && c.Name != MonthColumn && c.Name != CountColumn {
			numCols = append(numCols, c)
		}
	}

	buckets := make(map[string]*bucket)
	for i := 0; i < f.Len(); i++ {
		if date.Missing(i) {
			continue
		}
		t := date.Time[i]
		month := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		groups := make([]string, len(groupCols))
		for j, g := range groupCols {
			groups[j] = g.Str[i]
		}
		key := strings.Join(groups, "\x1f") + "\x1e" + month.Format("2006-01")
		b := buckets[key]
		if b == nil {
			b = &bucket{groups: groups, month: month, sums: make([]float64, len(numCols)), counts: make([]int, len(numCols))}
			buckets[key] = b
		}
		b.rows++
		for j, c := range numCols {
			if v := c.Num[i]; !math.IsNaN(v) {
				b.sums[j] += v
				b.counts[j]++
			}
		}
	}

	ordered := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(a, b int) bool {
		ga, gb := ordered[a].groups, ordered[b].groups
		for k := range ga {
			if ga[k] != gb[k] {
				return ga[k] < gb[k]
			}
		}
		return ordered[a].month.Before(ordered[b].month)
	})

	cols := make([]*dataset.Column, 0, len(groupCols)+len(numCols)+2)
	for j, g := range groupCols {
		vals := make([]string, len(ordered))
		for i, b := range ordered {
			vals[i] = b.groups[j]
		}
		cols = append(cols, dataset.NewCategorical(g.Name, vals))
	}
	months := make([]time.Time, len(ordered))
	rows := make([]float64, len(ordered))
	for i, b := range ordered {
		months[i] = b.month
		rows[i] = float64(b.rows)
	}
	cols = append(cols, dataset.NewTime(MonthColumn, months), dataset.NewNumeric(CountColumn, rows))
	for j, c := range numCols {
		vals := make([]float64, len(ordered))
		for i, b := range ordered {
			if b.counts[j] == 0 {
				vals[i] = math.NaN()
				continue
			}
			vals[i] = b.sums[j] / float64(b.counts[j])
		}
		cols = append(cols, dataset.NewNumeric(c.Name, vals))
	}
	return dataset.NewFrame(cols...)
}
