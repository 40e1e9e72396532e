package dataset

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the storage type of a column.
type Kind int

const (
	KindNumeric Kind = iota
	KindCategorical
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindCategorical:
		return "categorical"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Well-known observation fields.
const (
	ColCountry  = "country"
	ColLocation = "location_name"
	ColLat      = "latitude"
	ColLon      = "longitude"
)

// DateColumns lists candidate names for the observation timestamp, in priority order.
var DateColumns = []string{"last_updated", "date", "datetime", "time", "month"}

// TimeLayout is used when rendering time values to CSV and JSON.
const TimeLayout = "2006-01-02 15:04"

var (
	ErrUnknownColumn  = errors.New("unknown column")
	ErrNotNumeric     = errors.New("column is not numeric")
	ErrLengthMismatch = errors.New("column length mismatch")
)

// Column holds one typed column. Exactly one of Num, Str, Time is populated, per Kind.
// Missing values are NaN, "" and the zero time respectively.
type Column struct {
	Name string
	Kind Kind
	Num  []float64
	Str  []string
	Time []time.Time
}

func NewNumeric(name string, vals []float64) *Column {
	return &Column{Name: name, Kind: KindNumeric, Num: vals}
}

func NewCategorical(name string, vals []string) *Column {
	return &Column{Name: name, Kind: KindCategorical, Str: vals}
}

func NewTime(name string, vals []time.Time) *Column {
	return &Column{Name: name, Kind: KindTime, Time: vals}
}

// Len returns the number of values in the column.
func (c *Column) Len() int {
	switch c.Kind {
	case KindNumeric:
		return len(c.Num)
	case KindTime:
		return len(c.Time)
	default:
		return len(c.Str)
	}
}

// Missing reports whether row i holds no value.
func (c *Column) Missing(i int) bool {
	switch c.Kind {
	case KindNumeric:
		return math.IsNaN(c.Num[i])
	case KindTime:
		return c.Time[i].IsZero()
	default:
		return c.Str[i] == ""
	}
}

// MissingCount returns the number of missing values.
func (c *Column) MissingCount() int {
	n := 0
	for i := 0; i < c.Len(); i++ {
		if c.Missing(i) {
			n++
		}
	}
	return n
}

// Format renders row i as CSV text. Missing values render as "".
func (c *Column) Format(i int) string {
	if c.Missing(i) {
		return ""
	}
	switch c.Kind {
	case KindNumeric:
		return strconv.FormatFloat(c.Num[i], 'f', -1, 64)
	case KindTime:
		return c.Time[i].Format(TimeLayout)
	default:
		return c.Str[i]
	}
}

// Value returns row i as a JSON-safe value; missing values are nil.
func (c *Column) Value(i int) any {
	if c.Missing(i) {
		return nil
	}
	switch c.Kind {
	case KindNumeric:
		return c.Num[i]
	case KindTime:
		return c.Time[i].Format(TimeLayout)
	default:
		return c.Str[i]
	}
}

func (c *Column) take(rows []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	switch c.Kind {
	case KindNumeric:
		out.Num = make([]float64, len(rows))
		for j, i := range rows {
			out.Num[j] = c.Num[i]
		}
	case KindTime:
		out.Time = make([]time.Time, len(rows))
		for j, i := range rows {
			out.Time[j] = c.Time[i]
		}
	default:
		out.Str = make([]string, len(rows))
		for j, i := range rows {
			out.Str[j] = c.Str[i]
		}
	}
	return out
}

func (c *Column) clone() *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	out.Num = append([]float64(nil), c.Num...)
	out.Str = append([]string(nil), c.Str...)
	out.Time = append([]time.Time(nil), c.Time...)
	return out
}

// Frame is an in-memory columnar table. Column order is preserved.
// A Frame handed out by the store must be treated as read-only; mutate a Clone.
type Frame struct {
	cols  []*Column
	index map[string]int
	rows  int
}

// NewFrame builds a frame from columns of equal length. Duplicate names are rejected.
func NewFrame(cols ...*Column) (*Frame, error) {
	f := &Frame{index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if i == 0 {
			f.rows = c.Len()
		}
		if c.Len() != f.rows {
			return nil, fmt.Errorf("%w: %s has %d rows, want %d", ErrLengthMismatch, c.Name, c.Len(), f.rows)
		}
		if _, dup := f.index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		f.index[c.Name] = len(f.cols)
		f.cols = append(f.cols, c)
	}
	return f, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return f.rows }

// Columns returns the columns in order.
func (f *Frame) Columns() []*Column { return f.cols }

// Names returns column names in order.
func (f *Frame) Names() []string {
	out := make([]string, len(f.cols))
	for i, c := range f.cols {
		out[i] = c.Name
	}
	return out
}

// Column looks up a column by name.
func (f *Frame) Column(name string) (*Column, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.cols[i], true
}

// Numeric returns the values of a numeric column.
func (f *Frame) Numeric(name string) ([]float64, error) {
	c, ok := f.Column(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}
	if c.Kind != KindNumeric {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotNumeric, name, c.Kind)
	}
	return c.Num, nil
}

// NumericNames returns the names of all numeric columns in order.
func (f *Frame) NumericNames() []string {
	var out []string
	for _, c := range f.cols {
		if c.Kind == KindNumeric {
			out = append(out, c.Name)
		}
	}
	return out
}

// DateColumn returns the observation timestamp column, if any.
func (f *Frame) DateColumn() (*Column, bool) {
	for _, name := range DateColumns {
		if c, ok := f.Column(name); ok && c.Kind == KindTime {
			return c, true
		}
	}
	return nil, false
}

// AddColumn appends a column, replacing an existing column of the same name in place.
func (f *Frame) AddColumn(c *Column) error {
	if len(f.cols) > 0 && c.Len() != f.rows {
		return fmt.Errorf("%w: %s has %d rows, want %d", ErrLengthMismatch, c.Name, c.Len(), f.rows)
	}
	if len(f.cols) == 0 {
		f.rows = c.Len()
	}
	if i, ok := f.index[c.Name]; ok {
		f.cols[i] = c
		return nil
	}
	f.index[c.Name] = len(f.cols)
	f.cols = append(f.cols, c)
	return nil
}

// DropColumn removes a column; unknown names are ignored.
func (f *Frame) DropColumn(name string) {
	i, ok := f.index[name]
	if !ok {
		return
	}
	f.cols = append(f.cols[:i], f.cols[i+1:]...)
	f.index = make(map[string]int, len(f.cols))
	for j, c := range f.cols {
		f.index[c.Name] = j
	}
}

// Take returns a new frame holding the given rows, in the given order.
func (f *Frame) Take(rows []int) *Frame {
	out := &Frame{index: make(map[string]int, len(f.cols)), rows: len(rows)}
	for i, c := range f.cols {
		out.cols = append(out.cols, c.take(rows))
		out.index[c.Name] = i
	}
	return out
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := &Frame{index: make(map[string]int, len(f.cols)), rows: f.rows}
	for i, c := range f.cols {
		out.cols = append(out.cols, c.clone())
		out.index[c.Name] = i
	}
	return out
}

// Row returns row i keyed by column name with JSON-safe values.
func (f *Frame) Row(i int) map[string]any {
	out := make(map[string]any, len(f.cols))
	for _, c := range f.cols {
		out[c.Name] = c.Value(i)
	}
	return out
}

// RowKey returns a string identifying the full contents of row i. Equal keys mean exact duplicates.
func (f *Frame) RowKey(i int) string {
	var b strings.Builder
	for j, c := range f.cols {
		if j > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(c.Format(i))
	}
	return b.String()
}

// Records returns the header followed by every row formatted as CSV text.
func (f *Frame) Records() [][]string {
	out := make([][]string, 0, f.rows+1)
	out = append(out, f.Names())
	for i := 0; i < f.rows; i++ {
		rec := make([]string, len(f.cols))
		for j, c := range f.cols {
			rec[j] = c.Format(i)
		}
		out = append(out, rec)
	}
	return out
}
