//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package template

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Context is the render context: a mapping from dotted-path key to
// value. Values may be strings, numbers, booleans, arrays or nested
// mappings.
type Context map[string]any

// undefinedType marks a missing lookup, distinct from an explicit null.
type undefinedType struct{}

// Undefined is the sentinel for a missing value.
var Undefined = undefinedType{}

// IsUndefined reports whether v is the missing-value sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// resolvePath traverses a dotted path through maps and arrays. Numeric
// components index arrays. The boolean result is false when any
// component fails to resolve.
func resolvePath(ctx Context, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var current any = map[string]any(ctx)
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case Context:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	if IsUndefined(current) {
		return nil, false
	}
	return current, true
}

// truthy implements the engine's truthiness rules: nil/undefined are
// false; booleans unchanged; strings by length; numbers nonzero and not
// NaN; arrays by length; objects by own-key count; everything else true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case undefinedType:
		return false
	case bool:
		return t
	case string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case Context:
		return len(t) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0 && !math.IsNaN(f)
		}
		return true
	}
}

// toFloat converts numeric values of any width to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// stringify renders a value into template output. Floats drop a
// trailing ".0" so whole numbers read naturally; arrays join with
// commas; maps serialize as compact JSON. A missing value renders as
// the empty string, never the literal "undefined".
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case undefinedType:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		if f, ok := toFloat(v); ok {
			return formatFloat(f)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 && !math.IsInf(f, 0) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// parseLiteral parses an argument token into a typed literal: booleans,
// null/undefined, integer and float literals, quoted strings. Anything
// else is returned as the raw string with ok=false so callers may try a
// context lookup instead.
func parseLiteral(token string) (any, bool) {
	switch token {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	case "undefined":
		return Undefined, true
	}
	if len(token) >= 2 {
		if (token[0] == '"' && token[len(token)-1] == '"') ||
			(token[0] == '\'' && token[len(token)-1] == '\'') {
			return token[1 : len(token)-1], true
		}
	}
	if i, err := strconv.ParseInt(token, 10, 64); err == nil {
		return float64(i), true
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f, true
	}
	return token, false
}
