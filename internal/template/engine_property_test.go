//go:build property

package template

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRenderProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	engine := NewEngine(false)

	properties.Property("rendering is deterministic", prop.ForAll(
		func(key, value, prefix string) bool {
			tmpl := &Template{Subject: prefix + " {{" + key + "}}", Text: "{{ " + key + " }}!"}
			vars := map[string]any{key: value}

			a, err := engine.Render(tmpl, vars)
			if err != nil {
				return false
			}
			b, err := engine.Render(tmpl, vars)
			if err != nil {
				return false
			}
			return *a == *b
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("no tokens survive rendering", prop.ForAll(
		func(keys []string, text, value string) bool {
			var sb strings.Builder
			vars := map[string]any{}
			for i, k := range keys {
				sb.WriteString(text)
				sb.WriteString(" {{")
				sb.WriteString(k)
				sb.WriteString("}} ")
				if i%2 == 0 {
					vars[k] = value
				}
			}
			tmpl := &Template{Subject: "s", Text: sb.String(), HTML: "<p>" + sb.String() + "</p>"}

			result, err := engine.Render(tmpl, vars)
			if err != nil {
				return false
			}
			return !tokenPattern.MatchString(result.Text) && !tokenPattern.MatchString(result.HTML)
		},
		gen.SliceOf(gen.Identifier()),
		gen.AlphaString(),
		gen.OneGenOf(
			gen.AlphaString(),
			gen.RegexMatch(`[a-z{} ]{0,16}`),
			gen.Identifier().Map(func(k string) string { return "{{" + k + "}}" }),
		),
	))

	properties.Property("provided values appear in output", prop.ForAll(
		func(key, value string) bool {
			tmpl := &Template{Subject: "s", Text: "value={{" + key + "}};"}
			result, err := engine.Render(tmpl, map[string]any{key: value})
			if err != nil {
				return false
			}
			return result.Text == "value="+value+";"
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
