package template

import (
	"errors"
	"fmt"
	"html"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zoptal/mailflow/internal/mailerr"
)

var (
	tokenPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	delimiters   = strings.NewReplacer("{{", "", "}}", "")
)

// MissingVariablesError is returned when required variables have neither a
// value nor a default.
type MissingVariablesError struct {
	Keys []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("missing required variables: %s", strings.Join(e.Keys, ", "))
}

func (e *MissingVariablesError) Unwrap() error {
	return mailerr.ErrValidation
}

// Engine renders templates with data
type Engine struct {
	strict bool
}

// NewEngine creates a new template engine. With strictRequired set, rendering
// fails when a required variable is missing instead of stripping its tokens.
func NewEngine(strictRequired bool) *Engine {
	return &Engine{strict: strictRequired}
}

// Render substitutes {{ key }} tokens in the subject and both bodies.
func (e *Engine) Render(tmpl *Template, vars map[string]any) (*RenderResult, error) {
	if tmpl == nil {
		return nil, mailerr.Validation("template is nil")
	}

	data, err := e.resolve(tmpl, vars)
	if err != nil {
		return nil, err
	}

	return &RenderResult{
		Subject: substitute(tmpl.Subject, data, false),
		HTML:    substitute(tmpl.HTML, data, true),
		Text:    substitute(tmpl.Text, data, false),
	}, nil
}

// Preview renders tmpl using declared defaults and examples as sample data.
// Values in overrides take precedence. Preview never fails on missing values.
func (e *Engine) Preview(tmpl *Template, overrides map[string]any) (*RenderResult, error) {
	if tmpl == nil {
		return nil, mailerr.Validation("template is nil")
	}

	sample := make(map[string]any, len(tmpl.Variables)+len(overrides))
	for _, v := range tmpl.Variables {
		switch {
		case v.Default != nil:
			sample[v.Key] = v.Default
		case v.Example != "":
			sample[v.Key] = v.Example
		default:
			sample[v.Key] = "[" + v.Key + "]"
		}
	}
	for k, v := range overrides {
		sample[k] = v
	}

	lax := &Engine{}
	return lax.Render(tmpl, sample)
}

// Tokens returns the sorted distinct variable keys referenced by tmpl.
func Tokens(tmpl *Template) []string {
	seen := make(map[string]bool)
	for _, src := range []string{tmpl.Subject, tmpl.HTML, tmpl.Text} {
		for _, m := range tokenPattern.FindAllStringSubmatch(src, -1) {
			if key := strings.TrimSpace(m[1]); key != "" {
				seen[key] = true
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsMissingVariables reports whether err is a MissingVariablesError.
func IsMissingVariables(err error) bool {
	var mv *MissingVariablesError
	return errors.As(err, &mv)
}

func (e *Engine) resolve(tmpl *Template, vars map[string]any) (map[string]any, error) {
	data := make(map[string]any, len(vars)+len(tmpl.Variables))
	for k, v := range vars {
		data[k] = v
	}

	var missing []string
	for _, v := range tmpl.Variables {
		// Falsy values render empty, so they count as missing.
		if val, ok := data[v.Key]; ok && stringify(val) != "" {
			continue
		}
		if v.Default != nil {
			data[v.Key] = v.Default
			continue
		}
		if v.Required {
			missing = append(missing, v.Key)
		}
	}

	if len(missing) > 0 && e.strict {
		return nil, &MissingVariablesError{Keys: missing}
	}
	return data, nil
}

func substitute(src string, data map[string]any, escape bool) string {
	if src == "" {
		return ""
	}

	matches := tokenPattern.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src
	}

	out := make([]byte, 0, len(src))
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		key := strings.TrimSpace(src[m[2]:m[3]])
		out = append(out, src[last:start]...)
		last = end

		value := neutralize(stringify(data[key]))
		if value != "" {
			if escape {
				value = html.EscapeString(value)
			}
			out = append(out, value...)
			continue
		}

		// Collapse the gap left by an empty token: "Visit {{url}} now" -> "Visit now".
		n := len(out)
		switch {
		case n > 0 && isHSpace(out[n-1]) && closesGap(src, end):
			out = out[:n-1]
		case (n == 0 || out[n-1] == '\n') && end < len(src) && isHSpace(src[end]):
			// Token opened the text or a line: "{{greeting}} Ann" -> "Ann".
			last = end + 1
		}
	}
	out = append(out, src[last:]...)
	return string(out)
}

// neutralize strips token delimiters from a value so substituted data can
// never introduce a token into the output.
func neutralize(value string) string {
	for strings.Contains(value, "{{") || strings.Contains(value, "}}") {
		value = delimiters.Replace(value)
	}
	return value
}

func isHSpace(b byte) bool {
	return b == ' ' || b == '\t'
}

func closesGap(src string, pos int) bool {
	if pos >= len(src) {
		return true
	}
	switch src[pos] {
	case ' ', '\t', '\r', '\n', '.', ',', ';', ':', '!', '?', ')':
		return true
	}
	return false
}

// stringify renders a value. Falsy values (nil, "", false, 0) render empty.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if !val {
			return ""
		}
		return "true"
	case int:
		return intString(int64(val))
	case int32:
		return intString(int64(val))
	case int64:
		return intString(val)
	case uint:
		if val == 0 {
			return ""
		}
		return strconv.FormatUint(uint64(val), 10)
	case float32:
		return floatString(float64(val))
	case float64:
		return floatString(val)
	case time.Time:
		if val.IsZero() {
			return ""
		}
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprint(v)
}

func intString(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

func floatString(f float64) string {
	if f == 0 || math.IsNaN(f) {
		return ""
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
