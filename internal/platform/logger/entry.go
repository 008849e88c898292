package logger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// Fields is the structured metadata attached to an entry.
type Fields map[string]any

// Entry is one log record as handed to transports. Transports must not modify it.
type Entry struct {
	Timestamp     time.Time
	Level         Level
	Message       string
	Fields        Fields
	CorrelationID string
	JobID         string
}

const (
	keyCorrelationID  = "correlation_id"
	keyJobID          = "job_id"
	keyTraceID        = "trace_id"
	keySpanID         = "span_id"
	badKey            = "!BADKEY"
	maxNormalizeDepth = 16
)

// addArgs merges slog-style arguments into f: alternating keys and values,
// slog.Attr values, or whole Fields maps.
func addArgs(f Fields, args []any) {
	for len(args) > 0 {
		switch x := args[0].(type) {
		case string:
			if len(args) == 1 {
				f[badKey] = x
				return
			}
			f[x] = args[1]
			args = args[2:]
		case slog.Attr:
			addAttr(f, "", x)
			args = args[1:]
		case Fields:
			for k, v := range x {
				f[k] = v
			}
			args = args[1:]
		default:
			f[badKey] = x
			args = args[1:]
		}
	}
}

func addAttr(f Fields, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if prefix != "" {
		key = prefix
	}
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			addAttr(f, key, ga)
		}
		return
	}
	f[key] = v.Any()
}

// normalizeFields returns a copy of f whose values are all JSON-safe.
func normalizeFields(f Fields) Fields {
	return normalizeMap(f, 0)
}

func normalizeMap(f Fields, depth int) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = normalize(v, depth+1)
	}
	return out
}

// normalize never panics: a value whose Error, String or MarshalJSON method
// panics is replaced by a "!PANIC: ..." string, as log/slog does.
func normalize(v any, depth int) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("!PANIC: %v", r)
		}
	}()
	if depth > maxNormalizeDepth {
		return "[max depth exceeded]"
	}
	switch x := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case time.Duration:
		return x.String()
	case *SerializedError:
		return x
	case error:
		if isNilPointer(x) {
			return nil
		}
		return SerializeError(x)
	case Fields:
		return normalizeMap(x, depth)
	case map[string]any:
		return normalizeMap(Fields(x), depth)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e, depth+1)
		}
		return out
	case json.Marshaler:
		return x
	case fmt.Stringer:
		if isNilPointer(x) {
			return nil
		}
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(Fields, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface(), depth+1)
	case reflect.Struct:
		return structValue(v)
	}
	return fmt.Sprintf("%+v", v)
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// structValue keeps structs that encode cleanly as JSON and stringifies the rest.
func structValue(v any) any {
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return v
}
