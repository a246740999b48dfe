package template

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Well-known entity states
const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// ErrNotNumber is returned when a result cannot be converted to a float
var ErrNotNumber = errors.New("result is not a number")

// Result is the output of one render: the whitespace-trimmed text and its
// value parsed into a native type.
type Result struct {
	Raw   string
	Value interface{}
}

// NewResult parses rendered text the way template results are typed:
// True/False become bools, None becomes nil, plain decimal literals become
// int64 or float64, everything else stays a string.
func NewResult(rendered string) Result {
	raw := strings.TrimSpace(rendered)
	return Result{Raw: raw, Value: parseNative(raw)}
}

func parseNative(raw string) interface{} {
	switch raw {
	case "True":
		return true
	case "False":
		return false
	case "None":
		return nil
	}

	if !isNumericLiteral(raw) {
		return raw
	}
	if !strings.Contains(raw, ".") {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// isNumericLiteral accepts an optional sign, digits and at most one dot, and
// rejects leading zeros such as "007" so ids and codes keep their text form.
func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	if len(s) >= 2 && s[0] == '0' && s[1] >= '0' && s[1] <= '9' {
		return false
	}

	digits, dots := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

var (
	truthyResults = map[string]bool{"True": true, "true": true, "on": true, "On": true, "ON": true, "1": true}
	falsyResults  = map[string]bool{"False": true, "false": true, "off": true, "Off": true, "OFF": true, "0": true}
)

// AsBool interprets the result as an on/off state. Explicit on/off spellings
// win; anything else falls back to truthiness (non-empty text, non-zero
// number).
func (r Result) AsBool() bool {
	switch v := r.Value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		if truthyResults[v] {
			return true
		}
		if falsyResults[v] {
			return false
		}
		return v != ""
	default:
		return r.Raw != ""
	}
}

// AsFloat converts the result to a float64
func (r Result) AsFloat() (float64, error) {
	switch v := r.Value.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumber, v)
		}
		if math.IsNaN(f) {
			return 0, fmt.Errorf("%w: %q", ErrNotNumber, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrNotNumber, r.Raw)
	}
}

// String returns the trimmed rendered text
func (r Result) String() string {
	return r.Raw
}
