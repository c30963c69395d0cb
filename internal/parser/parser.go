// Package parser recovers structured results from free-form model output.
//
// Parse and ParseAll are total: they never fail and never return nil. Model output may be
// bare JSON, JSON inside a fenced block, JSON surrounded by commentary, or an array where an
// object was requested. Anything unrecoverable yields an empty Result, which callers treat
// as "no signal".
package parser

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Result is a best-effort decoded JSON object.
type Result map[string]any

// Parse extracts a single object from raw. Steps, first match wins:
//
//  1. the whole input as JSON (object, or first element of a non-empty array)
//  2. the interior of a ```json fenced block, handled as in step 1
//  3. the span between the first '[' and the last ']' as an array, when no '{' precedes it
//  4. the span between the first '{' and the last '}' as an object
//  5. an empty Result
func Parse(raw string) Result {
	all := parse(raw, false)
	if len(all) == 0 {
		return Result{}
	}
	return all[0]
}

// ParseAll is Parse for callers that accept several objects: a top-level array yields every
// object element in order, a single object yields a one-element slice.
func ParseAll(raw string) []Result {
	return parse(raw, true)
}

func parse(raw string, all bool) []Result {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}

	if out, ok := decode(text, all); ok {
		return out
	}

	if block, ok := fencedJSON(text); ok {
		if out, ok := decode(block, all); ok {
			return out
		}
	}

	arrStart := strings.IndexByte(text, '[')
	arrEnd := strings.LastIndexByte(text, ']')
	objStart := strings.IndexByte(text, '{')
	if arrStart != -1 && arrEnd > arrStart && (objStart == -1 || arrStart < objStart) {
		if out, ok := decode(text[arrStart:arrEnd+1], all); ok && len(out) > 0 {
			slog.Debug("parser.Parse: recovered array span from surrounding text")
			return out
		}
	}

	objEnd := strings.LastIndexByte(text, '}')
	if objStart != -1 && objEnd > objStart {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text[objStart:objEnd+1]), &obj); err == nil && obj != nil {
			slog.Debug("parser.Parse: recovered object span from surrounding text")
			return []Result{obj}
		}
	}

	slog.Warn("parser.Parse: no JSON object found in model output", "preview", preview(text, 200))
	return nil
}

// decode parses s as JSON. ok is false only when s is not valid JSON; valid JSON of the wrong
// shape is a match that yields no results.
func decode(s string, all bool) ([]Result, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		return []Result{t}, true
	case []any:
		var out []Result
		for i, el := range t {
			obj, isObj := el.(map[string]any)
			if !isObj {
				if i == 0 {
					slog.Warn("parser.Parse: JSON array does not start with an object")
					return nil, true
				}
				continue
			}
			out = append(out, obj)
			if !all {
				break
			}
		}
		return out, true
	default:
		slog.Warn("parser.Parse: unexpected JSON value type")
		return nil, true
	}
}

func fencedJSON(text string) (string, bool) {
	const fence = "```json"
	start := strings.Index(strings.ToLower(text), fence)
	if start == -1 {
		return "", false
	}
	rest := text[start+len(fence):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Has reports whether key is present with a non-null value.
func (r Result) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// String returns the value at key as a trimmed string. Numbers and booleans are formatted;
// anything else yields def.
func (r Result) String(key, def string) string {
	switch v := r[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return def
}

// Float returns the value at key as a float. Numeric strings are accepted.
// ok is false when the key is missing or not numeric.
func (r Result) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Confidence returns the value at key clamped to [0,1], or def when absent or invalid.
func (r Result) Confidence(key string, def float64) float64 {
	f, ok := r.Float(key)
	if !ok {
		return def
	}
	return math.Max(0, math.Min(1, f))
}

// Bool returns the value at key as a boolean. Strings "true", "1" and "yes" are true;
// numbers are true when non-zero. ok is false when the key is missing or null.
func (r Result) Bool(key string) (value bool, ok bool) {
	switch v := r[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, true
		}
		return false, true
	case float64:
		return v != 0, true
	}
	return false, false
}

// Strings returns the value at key as a list of non-empty strings. A single string becomes
// a one-element list.
func (r Result) Strings(key string) []string {
	switch v := r[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, el := range v {
			switch s := el.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	}
	return []string{}
}
