package query

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrNameEmpty        = errors.New("name is required")
	ErrNameTooShort     = errors.New("name too short")
	ErrNameTooLong      = errors.New("name too long")
	ErrNameInvalidChars = errors.New("name contains invalid characters")
)

// maxColumnLen bounds metric/column names accepted from clients.
const maxColumnLen = 64

// ValidateName trims a country or location name and enforces length bounds
// (in runes; 0 disables a bound) and the allowed character set.
func ValidateName(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrNameEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrNameTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrNameTooLong
	}
	for _, c := range r {
		if !isNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	return s, nil
}

// isNameRune allows letters, digits, space and , - ' . ( )
func isNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.', '(', ')':
		return true
	}
	return false
}

// ValidateColumn accepts column identifiers made of ASCII letters, digits and underscore.
func ValidateColumn(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", fmt.Errorf("%w: column name is required", ErrInvalidQuery)
	}
	if len(s) > maxColumnLen {
		return "", fmt.Errorf("%w: column name too long", ErrInvalidQuery)
	}
	for _, c := range s {
		if !(c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return "", fmt.Errorf("%w: column %q contains invalid characters", ErrInvalidQuery, s)
		}
	}
	return s, nil
}

// Column reads a required column parameter.
func Column(v url.Values, name string) (string, error) {
	raw := v.Get(name)
	if raw == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidQuery, name)
	}
	return ValidateColumn(raw)
}

// Columns reads a list parameter given repeatedly or comma-separated. Empty is allowed.
func Columns(v url.Values, name string) ([]string, error) {
	var out []string
	for _, raw := range v[name] {
		for _, p := range strings.Split(raw, ",") {
			if strings.TrimSpace(p) == "" {
				continue
			}
			c, err := ValidateColumn(p)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// Int reads an optional integer parameter within [min, max].
func Int(v url.Values, name string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(v.Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidQuery, name)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidQuery, name, min, max)
	}
	return n, nil
}

// Float reads an optional float parameter; zero is returned when absent.
func Float(v url.Values, name string) (float64, error) {
	raw := strings.TrimSpace(v.Get(name))
	if raw == "" {
		return 0, nil
	}
	x, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, fmt.Errorf("%w: %s must be a finite number", ErrInvalidQuery, name)
	}
	return x, nil
}
