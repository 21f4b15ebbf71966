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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/cursor-prompt/promptwizard-go/log"
)

// TransformFunc is a named pure function applied in a pipe chain.
type TransformFunc func(value any, args ...any) (any, error)

// TransformRegistry maps names to transforms. It is populated at
// startup and read-only thereafter.
type TransformRegistry struct {
	transforms map[string]TransformFunc
}

// NewTransformRegistry creates a registry with all built-in transforms.
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{transforms: make(map[string]TransformFunc)}
	r.registerString()
	r.registerNumber()
	r.registerArray()
	r.registerDate()
	r.registerFormat()
	r.registerUtility()
	return r
}

// Register adds or replaces a named transform.
func (r *TransformRegistry) Register(name string, fn TransformFunc) {
	r.transforms[name] = fn
}

// Has reports whether a transform is registered.
func (r *TransformRegistry) Has(name string) bool {
	_, ok := r.transforms[name]
	return ok
}

// Apply runs one transform. Unknown names log a warning and return the
// input unchanged, as do transform errors.
func (r *TransformRegistry) Apply(name string, value any, args ...any) any {
	fn, ok := r.transforms[name]
	if !ok {
		log.Warnf("unknown transform %q, value passed through", name)
		return value
	}
	out, err := fn(value, args...)
	if err != nil {
		log.Warnf("transform %q failed: %v, value passed through", name, err)
		return value
	}
	return out
}

// ApplyChain applies pipe segments left to right. Each segment has the
// form `name` or `name:arg1,arg2`; segments are trimmed and arguments
// parsed as literals.
func (r *TransformRegistry) ApplyChain(value any, segments []string) any {
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		name := seg
		var args []any
		if idx := strings.Index(seg, ":"); idx >= 0 {
			name = strings.TrimSpace(seg[:idx])
			for _, raw := range splitArgs(seg[idx+1:]) {
				lit, _ := parseLiteral(strings.TrimSpace(raw))
				args = append(args, lit)
			}
		}
		value = r.Apply(name, value, args...)
	}
	return value
}

// splitArgs splits on commas outside quotes.
func splitArgs(s string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 || len(out) > 0 {
		out = append(out, cur.String())
	}
	return out
}

func argString(args []any, i int, def string) string {
	if i >= len(args) || args[i] == nil || IsUndefined(args[i]) {
		return def
	}
	return stringify(args[i])
}

func argInt(args []any, i, def int) int {
	if i >= len(args) {
		return def
	}
	if f, ok := toFloat(args[i]); ok {
		return int(f)
	}
	return def
}

func wantString(value any) string { return stringify(value) }

func wantFloat(value any) (float64, error) {
	if f, ok := toFloat(value); ok {
		return f, nil
	}
	if s, ok := value.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("not a number: %v", value)
}

func wantArray(value any) ([]any, error) {
	if a, ok := value.([]any); ok {
		return a, nil
	}
	return nil, fmt.Errorf("not an array: %T", value)
}

func (r *TransformRegistry) registerString() {
	r.Register("upper", func(v any, _ ...any) (any, error) {
		return strings.ToUpper(wantString(v)), nil
	})
	r.Register("lower", func(v any, _ ...any) (any, error) {
		return strings.ToLower(wantString(v)), nil
	})
	r.Register("capitalize", func(v any, _ ...any) (any, error) {
		s := wantString(v)
		if s == "" {
			return s, nil
		}
		return strings.ToUpper(s[:1]) + s[1:], nil
	})
	r.Register("title", func(v any, _ ...any) (any, error) {
		return cases.Title(language.English).String(wantString(v)), nil
	})
	r.Register("trim", func(v any, _ ...any) (any, error) {
		return strings.TrimSpace(wantString(v)), nil
	})
	r.Register("truncate", func(v any, args ...any) (any, error) {
		s := wantString(v)
		n := argInt(args, 0, len(s))
		suffix := argString(args, 1, "…")
		if n < 0 || len(s) <= n {
			return s, nil
		}
		return s[:n] + suffix, nil
	})
	r.Register("padStart", func(v any, args ...any) (any, error) {
		s := wantString(v)
		n := argInt(args, 0, 0)
		ch := argString(args, 1, " ")
		if ch == "" {
			ch = " "
		}
		for len(s) < n {
			s = ch + s
		}
		return s, nil
	})
	r.Register("padEnd", func(v any, args ...any) (any, error) {
		s := wantString(v)
		n := argInt(args, 0, 0)
		ch := argString(args, 1, " ")
		if ch == "" {
			ch = " "
		}
		for len(s) < n {
			s = s + ch
		}
		return s, nil
	})
	r.Register("replace", func(v any, args ...any) (any, error) {
		return strings.Replace(wantString(v), argString(args, 0, ""), argString(args, 1, ""), 1), nil
	})
	r.Register("replaceAll", func(v any, args ...any) (any, error) {
		return strings.ReplaceAll(wantString(v), argString(args, 0, ""), argString(args, 1, "")), nil
	})
	r.Register("slug", func(v any, _ ...any) (any, error) {
		return slugify(wantString(v)), nil
	})
	r.Register("camelCase", func(v any, _ ...any) (any, error) {
		words := splitWords(wantString(v))
		for i, w := range words {
			if i == 0 {
				words[i] = strings.ToLower(w)
			} else {
				words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
			}
		}
		return strings.Join(words, ""), nil
	})
	r.Register("snakeCase", func(v any, _ ...any) (any, error) {
		words := splitWords(wantString(v))
		for i, w := range words {
			words[i] = strings.ToLower(w)
		}
		return strings.Join(words, "_"), nil
	})
	r.Register("kebabCase", func(v any, _ ...any) (any, error) {
		words := splitWords(wantString(v))
		for i, w := range words {
			words[i] = strings.ToLower(w)
		}
		return strings.Join(words, "-"), nil
	})
}

// slugify lowercases, folds diacritics and collapses everything that is
// not alphanumeric into single hyphens.
func slugify(s string) string {
	folded, _, err := transform.String(transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	), s)
	if err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	var b strings.Builder
	lastHyphen := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteRune('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// splitWords splits identifiers on whitespace, hyphens, underscores and
// lower-to-upper case boundaries.
func splitWords(s string) []string {
	var words []string
	var cur strings.Builder
	var prev rune
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '_' || r == '\t' || r == '\n':
			flush()
		case unicode.IsUpper(r) && prev != 0 && !unicode.IsUpper(prev):
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
		prev = r
	}
	flush()
	return words
}

func (r *TransformRegistry) registerNumber() {
	r.Register("abs", func(v any, _ ...any) (any, error) {
		f, err := wantFloat(v)
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	})
	r.Register("ceil", func(v any, _ ...any) (any, error) {
		f, err := wantFloat(v)
		if err != nil {
			return nil, err
		}
		return math.Ceil(f), nil
	})
	r.Register("floor", func(v any, _ ...any) (any, error) {
		f, err := wantFloat(v)
		if err != nil {
			return nil, err
		}
		return math.Floor(f), nil
	})
	r.Register("round", func(v any, args ...any) (any, error) {
		f, err := wantFloat(v)
		if err != nil {
			return nil, err
		}
		prec := argInt(args, 0, 0)
		scale := math.Pow10(prec)
		return math.Round(f*scale) / scale, nil
	})
	r.Register("toFixed", func(v any, args ...any) (any, error) {
		f, err := wantFloat(v)
		if err != nil {
			return nil, err
		}
		return strconv.FormatFloat(f, 'f', argInt(args, 0, 2), 64), nil
	})
	r.Register("toPrecision", func(v any, args ...any) (any, error) {
		f, err := wantFloat(v)
		if err != nil {
			return nil, err
		}
		return strconv.FormatFloat(f, 'g', argInt(args, 0, 2), 64), nil
	})
	r.Register("toExponential", func(v any, args ...any) (any, error) {
		f, err := wantFloat(v)
		if err != nil {
			return nil, err
		}
		return strconv.FormatFloat(f, 'e', argInt(args, 0, -1), 64), nil
	})
	r.Register("parseInt", func(v any, args ...any) (any, error) {
		radix := argInt(args, 0, 10)
		s := strings.TrimSpace(wantString(v))
		i, err := strconv.ParseInt(s, radix, 64)
		if err != nil {
			return nil, err
		}
		return float64(i), nil
	})
	r.Register("parseFloat", func(v any, _ ...any) (any, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(wantString(v)), 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	})
}

func (r *TransformRegistry) registerArray() {
	r.Register("first", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		k := argInt(args, 0, 1)
		if len(a) == 0 {
			return nil, nil
		}
		if k <= 1 {
			return a[0], nil
		}
		if k > len(a) {
			k = len(a)
		}
		return append([]any(nil), a[:k]...), nil
	})
	r.Register("last", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		k := argInt(args, 0, 1)
		if len(a) == 0 {
			return nil, nil
		}
		if k <= 1 {
			return a[len(a)-1], nil
		}
		if k > len(a) {
			k = len(a)
		}
		return append([]any(nil), a[len(a)-k:]...), nil
	})
	r.Register("reverse", func(v any, _ ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(a))
		for i, e := range a {
			out[len(a)-1-i] = e
		}
		return out, nil
	})
	r.Register("sort", func(v any, _ ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		out := append([]any(nil), a...)
		sort.SliceStable(out, func(i, j int) bool { return lessValues(out[i], out[j]) })
		return out, nil
	})
	r.Register("sortBy", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		key := argString(args, 0, "")
		out := append([]any(nil), a...)
		sort.SliceStable(out, func(i, j int) bool {
			return lessValues(fieldOf(out[i], key), fieldOf(out[j], key))
		})
		return out, nil
	})
	r.Register("unique", func(v any, _ ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(a))
		var out []any
		for _, e := range a {
			k := stringify(e)
			if !seen[k] {
				seen[k] = true
				out = append(out, e)
			}
		}
		return out, nil
	})
	r.Register("join", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		sep := argString(args, 0, ",")
		parts := make([]string, len(a))
		for i, e := range a {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, sep), nil
	})
	r.Register("slice", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		start := clampIndex(argInt(args, 0, 0), len(a))
		end := len(a)
		if len(args) > 1 {
			end = clampIndex(argInt(args, 1, len(a)), len(a))
		}
		if start > end {
			start = end
		}
		return append([]any(nil), a[start:end]...), nil
	})
	r.Register("take", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		n := argInt(args, 0, len(a))
		if n > len(a) {
			n = len(a)
		}
		if n < 0 {
			n = 0
		}
		return append([]any(nil), a[:n]...), nil
	})
	r.Register("skip", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		n := argInt(args, 0, 0)
		if n > len(a) {
			n = len(a)
		}
		if n < 0 {
			n = 0
		}
		return append([]any(nil), a[n:]...), nil
	})
	r.Register("filter", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		key := argString(args, 0, "")
		var expected any
		if len(args) > 1 {
			expected = args[1]
		}
		var out []any
		for _, e := range a {
			field := fieldOf(e, key)
			if len(args) > 1 {
				if stringify(field) == stringify(expected) {
					out = append(out, e)
				}
			} else if truthy(field) {
				out = append(out, e)
			}
		}
		return out, nil
	})
	r.Register("map", func(v any, args ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		key := argString(args, 0, "")
		out := make([]any, len(a))
		for i, e := range a {
			out[i] = fieldOf(e, key)
		}
		return out, nil
	})
}

func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func fieldOf(v any, key string) any {
	if key == "" {
		return v
	}
	if m, ok := v.(map[string]any); ok {
		if field, ok := m[key]; ok {
			return field
		}
	}
	return nil
}

func lessValues(a, b any) bool {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		return fa < fb
	}
	return stringify(a) < stringify(b)
}

func (r *TransformRegistry) registerDate() {
	r.Register("date", func(v any, args ...any) (any, error) {
		ts, err := wantTime(v)
		if err != nil {
			return nil, err
		}
		switch argString(args, 0, "iso") {
		case "iso":
			return ts.UTC().Format(time.RFC3339), nil
		case "date":
			return ts.Format("2006-01-02"), nil
		case "time":
			return ts.Format("15:04:05"), nil
		case "locale":
			return ts.Format("1/2/2006, 3:04:05 PM"), nil
		case "localeDate":
			return ts.Format("1/2/2006"), nil
		case "localeTime":
			return ts.Format("3:04:05 PM"), nil
		case "year":
			return float64(ts.Year()), nil
		case "month":
			return float64(ts.Month()), nil
		case "day":
			return float64(ts.Day()), nil
		case "hour":
			return float64(ts.Hour()), nil
		case "minute":
			return float64(ts.Minute()), nil
		case "second":
			return float64(ts.Second()), nil
		default:
			return ts.UTC().Format(time.RFC3339), nil
		}
	})
	r.Register("timestamp", func(v any, _ ...any) (any, error) {
		ts, err := wantTime(v)
		if err != nil {
			return nil, err
		}
		return float64(ts.UnixMilli()), nil
	})
	r.Register("fromNow", func(v any, _ ...any) (any, error) {
		ts, err := wantTime(v)
		if err != nil {
			return nil, err
		}
		return humanizeDuration(time.Since(ts)), nil
	})
}

func wantTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse("2006-01-02", t); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("unparseable date: %q", t)
	default:
		if f, ok := toFloat(v); ok {
			return time.UnixMilli(int64(f)), nil
		}
		return time.Time{}, fmt.Errorf("not a date: %T", v)
	}
}

func humanizeDuration(d time.Duration) string {
	future := d < 0
	if future {
		d = -d
	}
	var text string
	switch {
	case d < time.Minute:
		text = "a few seconds"
	case d < 2*time.Minute:
		text = "a minute"
	case d < time.Hour:
		text = fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 2*time.Hour:
		text = "an hour"
	case d < 24*time.Hour:
		text = fmt.Sprintf("%d hours", int(d.Hours()))
	case d < 48*time.Hour:
		text = "a day"
	case d < 30*24*time.Hour:
		text = fmt.Sprintf("%d days", int(d.Hours()/24))
	case d < 60*24*time.Hour:
		text = "a month"
	case d < 365*24*time.Hour:
		text = fmt.Sprintf("%d months", int(d.Hours()/(24*30)))
	default:
		text = fmt.Sprintf("%d years", int(d.Hours()/(24*365)))
	}
	if future {
		return "in " + text
	}
	return text + " ago"
}

func (r *TransformRegistry) registerFormat() {
	r.Register("json", func(v any, args ...any) (any, error) {
		indent := argInt(args, 0, 2)
		if indent <= 0 {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		}
		b, err := json.MarshalIndent(v, "", strings.Repeat(" ", indent))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	})
	r.Register("yaml", func(v any, _ ...any) (any, error) {
		b, err := yaml.Marshal(v)
		if err != nil {
			return nil, err
		}
		return strings.TrimRight(string(b), "\n"), nil
	})
	r.Register("csv", func(v any, _ ...any) (any, error) {
		a, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		return toCSV(a), nil
	})
	r.Register("urlEncode", func(v any, _ ...any) (any, error) {
		return strings.ReplaceAll(url.QueryEscape(wantString(v)), "+", "%20"), nil
	})
	r.Register("urlDecode", func(v any, _ ...any) (any, error) {
		s, err := url.QueryUnescape(wantString(v))
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	r.Register("base64Encode", func(v any, _ ...any) (any, error) {
		return base64.StdEncoding.EncodeToString([]byte(wantString(v))), nil
	})
	r.Register("base64Decode", func(v any, _ ...any) (any, error) {
		b, err := base64.StdEncoding.DecodeString(wantString(v))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	})
	r.Register("escape", func(v any, _ ...any) (any, error) {
		return html.EscapeString(wantString(v)), nil
	})
	r.Register("unescape", func(v any, _ ...any) (any, error) {
		return html.UnescapeString(wantString(v)), nil
	})
}

func toCSV(a []any) string {
	if len(a) == 0 {
		return ""
	}
	var lines []string
	if first, ok := a[0].(map[string]any); ok {
		headers := make([]string, 0, len(first))
		for k := range first {
			headers = append(headers, k)
		}
		sort.Strings(headers)
		lines = append(lines, strings.Join(headers, ","))
		for _, row := range a {
			m, _ := row.(map[string]any)
			cells := make([]string, len(headers))
			for i, h := range headers {
				cells[i] = csvCell(stringify(m[h]))
			}
			lines = append(lines, strings.Join(cells, ","))
		}
		return strings.Join(lines, "\n")
	}
	for _, row := range a {
		if inner, ok := row.([]any); ok {
			cells := make([]string, len(inner))
			for i, c := range inner {
				cells[i] = csvCell(stringify(c))
			}
			lines = append(lines, strings.Join(cells, ","))
			continue
		}
		lines = append(lines, csvCell(stringify(row)))
	}
	return strings.Join(lines, "\n")
}

func csvCell(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func (r *TransformRegistry) registerUtility() {
	r.Register("default", func(v any, args ...any) (any, error) {
		if v == nil || IsUndefined(v) || v == "" {
			if len(args) > 0 {
				return args[0], nil
			}
			return v, nil
		}
		return v, nil
	})
	r.Register("ternary", func(v any, args ...any) (any, error) {
		if truthy(v) {
			if len(args) > 0 {
				return args[0], nil
			}
			return nil, nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, nil
	})
	r.Register("typeof", func(v any, _ ...any) (any, error) {
		return typeName(v), nil
	})
	r.Register("length", func(v any, _ ...any) (any, error) {
		switch t := v.(type) {
		case string:
			return float64(len(t)), nil
		case []any:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		default:
			return float64(0), nil
		}
	})
	r.Register("keys", func(v any, _ ...any) (any, error) {
		m, ok := v.(map[string]any)
		if !ok {
			return []any{}, nil
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	})
	r.Register("values", func(v any, _ ...any) (any, error) {
		m, ok := v.(map[string]any)
		if !ok {
			return []any{}, nil
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = m[k]
		}
		return out, nil
	})
	r.Register("entries", func(v any, _ ...any) (any, error) {
		m, ok := v.(map[string]any)
		if !ok {
			return []any{}, nil
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = []any{k, m[k]}
		}
		return out, nil
	})
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case undefinedType:
		return "undefined"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		if _, ok := toFloat(v); ok {
			return "number"
		}
		return "object"
	}
}
