// Package sqlparam interpolates positional parameters into SQL text as
// quoted literals.
//
// It exists for drivers that can only send complete statement text, such
// as a shell driven over a pipe, where bound parameters are not available.
// Each ? placeholder outside of a quoted string, quoted identifier or
// comment is replaced, in order, by the literal form of the matching
// parameter:
//
//	string            'text' with embedded quotes doubled
//	nil               NULL
//	int*, uint*       decimal
//	float32, float64  shortest round-trip decimal (NaN and Inf rejected)
//	*big.Int, big.Int decimal
//	json.Number       the number text, validated
//	bool              TRUE / FALSE
//	time.Time         ISO-8601 text literal in UTC, millisecond precision
//
// Any other kind fails with a *TypeError. Extra parameters are ignored.
package sqlparam

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// ErrTooFewParams is returned when the statement has more placeholders
// than parameters were supplied.
var ErrTooFewParams = errors.New("sqlparam: too few parameters")

// ErrInvalidNumber is returned for numbers with no SQL literal form.
var ErrInvalidNumber = errors.New("sqlparam: invalid number")

// TimeLayout is the ISO-8601 layout used for time.Time parameters.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// TypeError reports a parameter whose kind has no literal form.
type TypeError struct {
	Index int
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("sqlparam: unsupported parameter type %T at position %d", e.Value, e.Index+1)
}

// Interpolate replaces the placeholders in stmt with the literal forms of
// params.
func Interpolate(stmt string, params []any) (string, error) {
	if len(params) == 0 && !strings.Contains(stmt, "?") {
		return stmt, nil
	}

	var b strings.Builder
	b.Grow(len(stmt) + 16*len(params))

	next := 0
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := skipQuoted(stmt, i, c)
			b.WriteString(stmt[i:end])
			i = end - 1
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			end := strings.IndexByte(stmt[i:], '\n')
			if end < 0 {
				end = len(stmt) - i
			}
			b.WriteString(stmt[i : i+end])
			i += end - 1
		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			end := strings.Index(stmt[i+2:], "*/")
			if end < 0 {
				end = len(stmt)
			} else {
				end = i + 2 + end + 2
			}
			b.WriteString(stmt[i:end])
			i = end - 1
		case c == '?':
			if next >= len(params) {
				return "", fmt.Errorf("%w: placeholder %d has no value (%d supplied)", ErrTooFewParams, next+1, len(params))
			}
			lit, err := Literal(params[next])
			if err != nil {
				var te *TypeError
				if errors.As(err, &te) {
					te.Index = next
				}
				return "", err
			}
			b.WriteString(lit)
			next++
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}

// skipQuoted returns the index just past the quoted run starting at start.
// A doubled quote character inside the run is an escaped quote.
func skipQuoted(s string, start int, q byte) int {
	for i := start + 1; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(s)
}

// Literal returns the SQL literal form of a single value.
func Literal(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return Quote(x), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case *big.Int:
		if x == nil {
			return "NULL", nil
		}
		return x.String(), nil
	case big.Int:
		return x.String(), nil
	case json.Number:
		if !isJSONNumber(string(x)) {
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, string(x))
		}
		return string(x), nil
	case time.Time:
		return Quote(x.UTC().Format(TimeLayout)), nil
	case *time.Time:
		if x == nil {
			return "NULL", nil
		}
		return Quote(x.UTC().Format(TimeLayout)), nil
	default:
		return "", &TypeError{Value: v}
	}
}

// isJSONNumber reports whether s is exactly one number in JSON syntax,
// which is also a valid SQL numeric literal. json.Valid alone would accept
// surrounding whitespace.
func isJSONNumber(s string) bool {
	if s == "" {
		return false
	}
	first, last := s[0], s[len(s)-1]
	if first != '-' && (first < '0' || first > '9') {
		return false
	}
	if last < '0' || last > '9' {
		return false
	}
	return json.Valid([]byte(s))
}

func formatFloat(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", ErrInvalidNumber, f)
	}
	return strconv.FormatFloat(f, 'g', -1, bits), nil
}

// Quote returns s as a single-quoted SQL string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
