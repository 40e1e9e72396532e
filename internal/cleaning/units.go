package cleaning

import (
	"fmt"
	"math"

	"github.com/kjstillabower/climatescope/internal/dataset"
)

// Conversion derives column To from numeric column From.
type Conversion struct {
	From string
	To   string
	Fn   func(float64) float64
}

func CelsiusToFahrenheit(c float64) float64 { return c*9/5 + 32 }
func KphToMph(k float64) float64            { return k / 1.609344 }
func MmToInches(mm float64) float64         { return mm / 25.4 }
func MbToInHg(mb float64) float64           { return mb * 0.0295299830714 }

// DefaultConversions covers the metric/imperial pairs of the weather dataset.
func DefaultConversions() []Conversion {
	return []Conversion{
		{From: "temperature_celsius", To: "temperature_fahrenheit", Fn: CelsiusToFahrenheit},
		{From: "feels_like_celsius", To: "feels_like_fahrenheit", Fn: CelsiusToFahrenheit},
		{From: "wind_kph", To: "wind_mph", Fn: KphToMph},
		{From: "gust_kph", To: "gust_mph", Fn: KphToMph},
		{From: "precip_mm", To: "precip_in", Fn: MmToInches},
		{From: "pressure_mb", To: "pressure_in", Fn: MbToInHg},
	}
}

// ConvertUnits adds or overwrites each target column. Conversions whose source
// column is absent are skipped; a non-numeric source is an error. Missing stays missing.
func ConvertUnits(f *dataset.Frame, conversions []Conversion) ([]string, error) {
	var done []string
	for _, cv := range conversions {
		src, ok := f.Column(cv.From)
		if !ok {
			continue
		}
		if src.Kind != dataset.KindNumeric {
			return done, fmt.Errorf("convert %s: %w", cv.From, dataset.ErrNotNumeric)
		}
		out := make([]float64, len(src.Num))
		for i, v := range src.Num {
			if math.IsNaN(v) {
				out[i] = v
				continue
			}
			out[i] = cv.Fn(v)
		}
		if err := f.AddColumn(dataset.NewNumeric(cv.To, out)); err != nil {
			return done, fmt.Errorf("convert %s: %w", cv.From, err)
		}
		done = append(done, cv.To)
	}
	return done, nil
}
