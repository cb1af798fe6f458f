// Package values converts SQL parameter and result values to and from their
// JSON wire form.
//
// Integers, text and NULL travel as plain JSON numbers, strings and null.
// Reals that would print without a fraction are tagged as {"float": x} so
// that 1.0 and 1 stay distinct, and binary data or text that is not clean
// UTF-8 travels as {"base64": "..."}. Booleans are normalized to 0 and 1
// because SQLite has no native boolean.
package values

import (
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// Wrapper keys on the wire.
const (
	FloatKey  = "float"
	Base64Key = "base64"
)

// IsText reports whether s can travel as a plain JSON string: valid UTF-8
// without control characters other than tab, newline, vertical tab, form
// feed and carriage return. The empty string is text.
func IsText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\t', c == '\n', c == '\v', c == '\f', c == '\r':
		case c < 0x20, c == 0x7f:
			return false
		}
	}
	return true
}

// Encode converts a Go value into its wire form.
func Encode(v any) (any, error) {
	if valuer, ok := v.(driver.Valuer); ok {
		resolved, err := valuer.Value()
		if err != nil {
			return nil, &types.StateError{Message: "failed to resolve parameter value", Err: err}
		}
		v = resolved
	}

	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return encodeUint(uint64(val))
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return encodeUint(val)
	case float32:
		return encodeFloat(float64(val))
	case float64:
		return encodeFloat(val)
	case string:
		if IsText(val) {
			return val, nil
		}
		return map[string]string{Base64Key: base64.StdEncoding.EncodeToString([]byte(val))}, nil
	case []byte:
		if val == nil {
			return nil, nil
		}
		return map[string]string{Base64Key: base64.StdEncoding.EncodeToString(val)}, nil
	case time.Time:
		return val.Format(time.RFC3339Nano), nil
	default:
		return nil, &types.StateError{Message: fmt.Sprintf("unsupported parameter type %T", v)}
	}
}

func encodeUint(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, &types.StateError{Message: fmt.Sprintf("integer %d overflows int64", u)}
	}
	return int64(u), nil
}

func encodeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &types.StateError{Message: fmt.Sprintf("cannot encode non-finite real %v", f)}
	}
	if f == math.Trunc(f) {
		// encoding/json prints integral floats without a fraction.
		return map[string]float64{FloatKey: f}, nil
	}
	return f, nil
}

// Decode converts a wire value, as produced by a json.Decoder with UseNumber
// enabled, back into nil, int64, float64, string or []byte.
func Decode(v any) (any, error) {
	switch val := v.(type) {
	case nil, string:
		return val, nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case json.Number:
		return decodeNumber(val)
	case float64:
		// Produced by decoders without UseNumber.
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val), nil
		}
		return val, nil
	case map[string]any:
		return decodeWrapper(val)
	default:
		return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: fmt.Sprintf("unexpected wire value of type %T", v)}
	}
}

func decodeNumber(n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: fmt.Sprintf("invalid number %q", s)}
	}
	return f, nil
}

func decodeWrapper(m map[string]any) (any, error) {
	if len(m) != 1 {
		return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: "wrapped value must have exactly one key"}
	}
	if raw, ok := m[FloatKey]; ok {
		switch f := raw.(type) {
		case json.Number:
			v, err := f.Float64()
			if err != nil {
				return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: fmt.Sprintf("invalid float %q", f)}
			}
			return v, nil
		case float64:
			return f, nil
		}
		return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: "float wrapper must hold a number"}
	}
	if raw, ok := m[Base64Key]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: "base64 wrapper must hold a string"}
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: fmt.Sprintf("invalid base64: %v", err)}
		}
		return b, nil
	}
	return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: "unknown value wrapper"}
}

// EncodeParams builds the bound-parameter argument of a query request.
// Positional arguments become a JSON array; sql.NamedArg arguments become a
// JSON object keyed by name. Mixing both kinds is rejected.
func EncodeParams(args []any) (any, error) {
	var positional []any
	var named map[string]any
	for _, arg := range args {
		if na, ok := arg.(sql.NamedArg); ok {
			if na.Name == "" {
				return nil, &types.StateError{Message: "named parameter without a name"}
			}
			if named == nil {
				named = make(map[string]any)
			}
			enc, err := Encode(na.Value)
			if err != nil {
				return nil, err
			}
			named[na.Name] = enc
			continue
		}
		enc, err := Encode(arg)
		if err != nil {
			return nil, err
		}
		positional = append(positional, enc)
	}

	switch {
	case named != nil && positional != nil:
		return nil, &types.StateError{Message: "cannot mix positional and named parameters"}
	case named != nil:
		return named, nil
	case positional != nil:
		return positional, nil
	default:
		return []any{}, nil
	}
}
