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
	"strings"
	"time"
)

// HelperFunc is a named N-ary function callable inside tags and
// conditions. Arguments arrive already resolved against the render
// context.
type HelperFunc func(args ...any) any

// HelperRegistry maps names to helpers. Populated at startup and
// read-only thereafter.
type HelperRegistry struct {
	helpers map[string]HelperFunc
}

// NewHelperRegistry creates a registry with all built-in helpers.
func NewHelperRegistry() *HelperRegistry {
	r := &HelperRegistry{helpers: make(map[string]HelperFunc)}
	r.registerComparison()
	r.registerLogical()
	r.registerMath()
	r.registerString()
	r.registerArray()
	r.registerTypeTests()
	r.registerUtility()
	return r
}

// Register adds or replaces a named helper.
func (r *HelperRegistry) Register(name string, fn HelperFunc) {
	r.helpers[name] = fn
}

// Has reports whether a helper is registered.
func (r *HelperRegistry) Has(name string) bool {
	_, ok := r.helpers[name]
	return ok
}

// Call invokes a helper. The boolean result is false for unknown
// helpers, in which case the caller must leave the tag intact.
func (r *HelperRegistry) Call(name string, args ...any) (any, bool) {
	fn, ok := r.helpers[name]
	if !ok {
		return nil, false
	}
	return fn(args...), true
}

// tokenizeArgs splits a helper argument string into tokens, respecting
// double- and single-quoted strings.
func tokenizeArgs(s string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				flush()
				quote = 0
			}
		case r == '"' || r == '\'':
			flush()
			quote = r
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// resolveArg turns one token into a value: quoted strings and literals
// stay literal; anything else resolves as a dotted path in the context,
// yielding Undefined when missing.
func resolveArg(ctx Context, token string) any {
	if lit, ok := parseLiteral(token); ok {
		return lit
	}
	if v, ok := resolvePath(ctx, token); ok {
		return v
	}
	return Undefined
}

func arg(args []any, i int) any {
	if i >= len(args) {
		return Undefined
	}
	return args[i]
}

func numArg(args []any, i int) float64 {
	f, _ := toFloat(arg(args, i))
	return f
}

func strArg(args []any, i int) string {
	v := arg(args, i)
	if v == nil || IsUndefined(v) {
		return ""
	}
	return stringify(v)
}

// looseEqual compares numerically when both sides are numeric, else by
// direct equality, else by string form.
func looseEqual(a, b any) bool {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		return fa == fb
	}
	if a == b {
		return true
	}
	return stringify(a) == stringify(b)
}

func (r *HelperRegistry) registerComparison() {
	r.Register("eq", func(args ...any) any { return looseEqual(arg(args, 0), arg(args, 1)) })
	r.Register("neq", func(args ...any) any { return !looseEqual(arg(args, 0), arg(args, 1)) })
	r.Register("lt", func(args ...any) any { return numArg(args, 0) < numArg(args, 1) })
	r.Register("gt", func(args ...any) any { return numArg(args, 0) > numArg(args, 1) })
	r.Register("lte", func(args ...any) any { return numArg(args, 0) <= numArg(args, 1) })
	r.Register("gte", func(args ...any) any { return numArg(args, 0) >= numArg(args, 1) })
}

func (r *HelperRegistry) registerLogical() {
	r.Register("and", func(args ...any) any {
		for _, a := range args {
			if !truthy(a) {
				return false
			}
		}
		return true
	})
	r.Register("or", func(args ...any) any {
		for _, a := range args {
			if truthy(a) {
				return true
			}
		}
		return false
	})
	r.Register("not", func(args ...any) any { return !truthy(arg(args, 0)) })
}

func (r *HelperRegistry) registerMath() {
	r.Register("add", func(args ...any) any { return numArg(args, 0) + numArg(args, 1) })
	r.Register("subtract", func(args ...any) any { return numArg(args, 0) - numArg(args, 1) })
	r.Register("multiply", func(args ...any) any { return numArg(args, 0) * numArg(args, 1) })
	r.Register("divide", func(args ...any) any {
		d := numArg(args, 1)
		if d == 0 {
			return float64(0)
		}
		return numArg(args, 0) / d
	})
	r.Register("mod", func(args ...any) any {
		d := numArg(args, 1)
		if d == 0 {
			return float64(0)
		}
		return math.Mod(numArg(args, 0), d)
	})
	r.Register("round", func(args ...any) any { return math.Round(numArg(args, 0)) })
	r.Register("floor", func(args ...any) any { return math.Floor(numArg(args, 0)) })
	r.Register("ceil", func(args ...any) any { return math.Ceil(numArg(args, 0)) })
	r.Register("abs", func(args ...any) any { return math.Abs(numArg(args, 0)) })
	r.Register("min", func(args ...any) any {
		if len(args) == 0 {
			return float64(0)
		}
		out := numArg(args, 0)
		for i := 1; i < len(args); i++ {
			out = math.Min(out, numArg(args, i))
		}
		return out
	})
	r.Register("max", func(args ...any) any {
		if len(args) == 0 {
			return float64(0)
		}
		out := numArg(args, 0)
		for i := 1; i < len(args); i++ {
			out = math.Max(out, numArg(args, i))
		}
		return out
	})
}

func (r *HelperRegistry) registerString() {
	r.Register("uppercase", func(args ...any) any { return strings.ToUpper(strArg(args, 0)) })
	r.Register("lowercase", func(args ...any) any { return strings.ToLower(strArg(args, 0)) })
	r.Register("capitalize", func(args ...any) any {
		s := strArg(args, 0)
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	})
	r.Register("trim", func(args ...any) any { return strings.TrimSpace(strArg(args, 0)) })
	r.Register("replace", func(args ...any) any {
		return strings.ReplaceAll(strArg(args, 0), strArg(args, 1), strArg(args, 2))
	})
	r.Register("substring", func(args ...any) any {
		s := strArg(args, 0)
		start := clampIndex(int(numArg(args, 1)), len(s))
		end := len(s)
		if len(args) > 2 {
			end = clampIndex(int(numArg(args, 2)), len(s))
		}
		if start > end {
			start, end = end, start
		}
		return s[start:end]
	})
	r.Register("length", func(args ...any) any {
		switch t := arg(args, 0).(type) {
		case string:
			return float64(len(t))
		case []any:
			return float64(len(t))
		case map[string]any:
			return float64(len(t))
		default:
			return float64(0)
		}
	})
	r.Register("contains", func(args ...any) any {
		if a, ok := arg(args, 0).([]any); ok {
			needle := arg(args, 1)
			for _, e := range a {
				if looseEqual(e, needle) {
					return true
				}
			}
			return false
		}
		return strings.Contains(strArg(args, 0), strArg(args, 1))
	})
	r.Register("startsWith", func(args ...any) any {
		return strings.HasPrefix(strArg(args, 0), strArg(args, 1))
	})
	r.Register("endsWith", func(args ...any) any {
		return strings.HasSuffix(strArg(args, 0), strArg(args, 1))
	})
	r.Register("split", func(args ...any) any {
		parts := strings.Split(strArg(args, 0), strArg(args, 1))
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out
	})
	r.Register("join", func(args ...any) any {
		a, ok := arg(args, 0).([]any)
		if !ok {
			return strArg(args, 0)
		}
		sep := ","
		if len(args) > 1 {
			sep = strArg(args, 1)
		}
		parts := make([]string, len(a))
		for i, e := range a {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, sep)
	})
}

func (r *HelperRegistry) registerArray() {
	r.Register("first", func(args ...any) any {
		if a, ok := arg(args, 0).([]any); ok && len(a) > 0 {
			return a[0]
		}
		return Undefined
	})
	r.Register("last", func(args ...any) any {
		if a, ok := arg(args, 0).([]any); ok && len(a) > 0 {
			return a[len(a)-1]
		}
		return Undefined
	})
	r.Register("reverse", func(args ...any) any {
		a, ok := arg(args, 0).([]any)
		if !ok {
			return arg(args, 0)
		}
		out := make([]any, len(a))
		for i, e := range a {
			out[len(a)-1-i] = e
		}
		return out
	})
	r.Register("sort", func(args ...any) any {
		a, ok := arg(args, 0).([]any)
		if !ok {
			return arg(args, 0)
		}
		out := append([]any(nil), a...)
		for i := 1; i < len(out); i++ {
			for j := i; j > 0 && lessValues(out[j], out[j-1]); j-- {
				out[j], out[j-1] = out[j-1], out[j]
			}
		}
		return out
	})
	r.Register("unique", func(args ...any) any {
		a, ok := arg(args, 0).([]any)
		if !ok {
			return arg(args, 0)
		}
		seen := make(map[string]bool, len(a))
		out := []any{}
		for _, e := range a {
			k := stringify(e)
			if !seen[k] {
				seen[k] = true
				out = append(out, e)
			}
		}
		return out
	})
}

func (r *HelperRegistry) registerTypeTests() {
	r.Register("isArray", func(args ...any) any {
		_, ok := arg(args, 0).([]any)
		return ok
	})
	r.Register("isObject", func(args ...any) any {
		_, ok := arg(args, 0).(map[string]any)
		return ok
	})
	r.Register("isString", func(args ...any) any {
		_, ok := arg(args, 0).(string)
		return ok
	})
	r.Register("isNumber", func(args ...any) any {
		_, ok := toFloat(arg(args, 0))
		return ok
	})
	r.Register("isBoolean", func(args ...any) any {
		_, ok := arg(args, 0).(bool)
		return ok
	})
	r.Register("isNull", func(args ...any) any { return arg(args, 0) == nil })
	r.Register("isUndefined", func(args ...any) any { return IsUndefined(arg(args, 0)) })
	r.Register("isDefined", func(args ...any) any { return !IsUndefined(arg(args, 0)) })
	r.Register("isEmpty", func(args ...any) any {
		switch t := arg(args, 0).(type) {
		case nil:
			return true
		case undefinedType:
			return true
		case string:
			return len(t) == 0
		case []any:
			return len(t) == 0
		case map[string]any:
			return len(t) == 0
		default:
			return false
		}
	})
}

func (r *HelperRegistry) registerUtility() {
	r.Register("default", func(args ...any) any {
		v := arg(args, 0)
		if v == nil || IsUndefined(v) || v == "" {
			return arg(args, 1)
		}
		return v
	})
	r.Register("json", func(args ...any) any {
		b, err := json.Marshal(normalizeJSON(arg(args, 0)))
		if err != nil {
			return ""
		}
		return string(b)
	})
	r.Register("now", func(...any) any {
		return time.Now().UTC().Format(time.RFC3339)
	})
	r.Register("date", func(args ...any) any {
		format := strArg(args, 0)
		now := time.Now()
		switch format {
		case "", "iso":
			return now.UTC().Format(time.RFC3339)
		case "date":
			return now.Format("2006-01-02")
		case "time":
			return now.Format("15:04:05")
		default:
			return now.UTC().Format(time.RFC3339)
		}
	})
}

// normalizeJSON replaces Undefined with nil so marshaling never sees
// the sentinel.
func normalizeJSON(v any) any {
	if IsUndefined(v) {
		return nil
	}
	return v
}
