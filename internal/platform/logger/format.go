package logger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Format selects how a transport renders entries.
type Format string

// Render formats e without a trailing newline.
func (f Format) Render(e Entry, color bool) []byte {
	if f == Pretty {
		return []byte(FormatPretty(e, color))
	}
	return FormatJSON(e)
}

const (
	JSON   Format = "json"
	Pretty Format = "pretty"
)

const (
	ansiReset = "\x1b[0m"
	ansiDim   = "\x1b[2m"
)

var levelColors = map[Level]string{
	LevelDebug:    "\x1b[90m",
	LevelInfo:     "\x1b[36m",
	LevelWarn:     "\x1b[33m",
	LevelError:    "\x1b[31m",
	LevelCritical: "\x1b[1;35m",
}

// FormatJSON renders e as one dense JSON object with the fields flattened to
// the top level. The entry's own keys win over fields of the same name.
func FormatJSON(e Entry) []byte {
	record := make(map[string]any, len(e.Fields)+5)
	for k, v := range e.Fields {
		record[k] = v
	}
	record["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	record["level"] = e.Level.String()
	record["message"] = e.Message
	if e.CorrelationID != "" {
		record[keyCorrelationID] = e.CorrelationID
	}
	if e.JobID != "" {
		record[keyJobID] = e.JobID
	}

	data, err := json.Marshal(record)
	if err != nil {
		// Fields are normalized on the way in; this only trips on exotic values.
		data, _ = json.Marshal(map[string]any{
			"timestamp":      record["timestamp"],
			"level":          record["level"],
			"message":        e.Message,
			"encoding_error": err.Error(),
		})
	}
	return data
}

// FormatPretty renders e for humans: one header line, then each error field
// with its stack indented and its causes listed as a "Caused by:" trail.
func FormatPretty(e Entry, color bool) string {
	var b strings.Builder

	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + ansiReset
	}

	b.WriteString(paint(ansiDim, e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")))
	b.WriteByte(' ')
	b.WriteString(paint(levelColors[e.Level], fmt.Sprintf("%-8s", e.Level.String())))
	if e.CorrelationID != "" || e.JobID != "" {
		ids := strings.TrimSpace(e.CorrelationID + " " + e.JobID)
		b.WriteString(paint(ansiDim, "["+ids+"] "))
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []string
	for _, k := range keys {
		v := e.Fields[k]
		if se, ok := v.(*SerializedError); ok {
			errs = append(errs, k)
			b.WriteString(" " + k + "=" + quoteIfNeeded(se.Message))
			continue
		}
		b.WriteString(" " + k + "=" + prettyValue(v))
	}

	for _, k := range errs {
		writeErrorTrail(&b, e.Fields[k].(*SerializedError), paint)
	}
	return b.String()
}

func writeErrorTrail(b *strings.Builder, se *SerializedError, paint func(code, s string) string) {
	indent := "    "
	for depth := 0; se != nil; depth++ {
		b.WriteByte('\n')
		if depth == 0 {
			b.WriteString(indent + paint(levelColors[LevelError], se.Name+": "+se.Message))
		} else {
			b.WriteString(indent + paint(levelColors[LevelWarn], "Caused by: "+se.Name+": "+se.Message))
		}
		for _, frame := range se.Stack {
			b.WriteString("\n" + indent + "    at " + paint(ansiDim, frame))
		}
		se = se.Cause
	}
}

func prettyValue(v any) string {
	switch x := v.(type) {
	case string:
		return quoteIfNeeded(x)
	case Fields, map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
