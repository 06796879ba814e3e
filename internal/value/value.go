// Package value normalizes values handed to writers and formats them as log
// lines.
package value

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"

	"github.com/dreamware/logweave/internal/errs"
)

// Normalize converts fixed-size numeric arrays and numeric slices (including
// []byte) into plain []any sequences so that every transport and the JSON
// encoder see the same shape. Other values are returned unchanged.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array && rv.Kind() != reflect.Slice {
		return v
	}
	if !isNumeric(rv.Type().Elem().Kind()) {
		return v
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return []any{}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Format renders v as a single newline-terminated line. Strings are written
// verbatim; everything else is JSON encoded after Normalize, without HTML
// escaping. NaN and infinite floats encode as null.
func Format(v any) ([]byte, error) {
	v = Normalize(v)
	if s, ok := v.(string); ok {
		return append([]byte(s), '\n'), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(finite(v)); err != nil {
		return nil, errs.Wrap(err, errs.EInvalid, "value.Format", "cannot encode value")
	}
	// Encode terminates the document with exactly one newline.
	return buf.Bytes(), nil
}

// finite replaces non-finite floats with nil, descending into []any and
// map[string]any.
func finite(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil
		}
	case []any:
		if x == nil {
			return v
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = finite(Normalize(e))
		}
		return out
	case map[string]any:
		if x == nil {
			return v
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = finite(Normalize(e))
		}
		return out
	}
	return v
}
