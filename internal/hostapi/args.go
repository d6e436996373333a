package hostapi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TypeName returns the script-visible type name of a converted value.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case map[any]any:
		return "table"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func badArgument(i int, want string, got any) *Error {
	return Errorf("bad argument #%d (expected %s, got %s)", i+1, want, TypeName(got))
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// ArgString returns args[i] as a string.
func ArgString(args []any, i int) (string, error) {
	s, ok := arg(args, i).(string)
	if !ok {
		return "", badArgument(i, "string", arg(args, i))
	}
	return s, nil
}

// ArgNumber returns args[i] as a finite number.
func ArgNumber(args []any, i int) (float64, error) {
	n, ok := arg(args, i).(float64)
	if !ok {
		return 0, badArgument(i, "number", arg(args, i))
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, Errorf("bad argument #%d (number expected, got %s)", i+1, strconv.FormatFloat(n, 'g', -1, 64))
	}
	return n, nil
}

// OptString returns args[i] as a string, or def if it is nil.
func OptString(args []any, i int, def string) (string, error) {
	if arg(args, i) == nil {
		return def, nil
	}
	return ArgString(args, i)
}

// OptNumber returns args[i] as a number, or def if it is nil.
func OptNumber(args []any, i int, def float64) (float64, error) {
	if arg(args, i) == nil {
		return def, nil
	}
	return ArgNumber(args, i)
}

// Format renders a converted value the way tostring does for simple types.
func Format(v any) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', 14, 64)
	case string:
		return v
	case map[any]any:
		return "table"
	default:
		return fmt.Sprint(v)
	}
}

// Join formats values separated by sep.
func Join(values []any, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = Format(v)
	}
	return strings.Join(parts, sep)
}
