package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/zoptal/mailflow/internal/mailerr"
)

func welcomeTemplate() *Template {
	return &Template{
		Name:    "welcome",
		Subject: "Welcome to Zoptal, {{firstName}}!",
		HTML:    `<h1>Hi {{ firstName }}</h1><p>Open <a href="{{dashboardUrl}}">your dashboard</a>.</p>`,
		Text:    "Hi {{firstName}}, your dashboard: {{dashboardUrl}}",
		Variables: []Variable{
			{Key: "firstName", Type: VarString, Required: true},
			{Key: "dashboardUrl", Type: VarURL},
		},
		Active: true,
	}
}

func TestEngine_RenderWelcome(t *testing.T) {
	engine := NewEngine(true)

	result, err := engine.Render(welcomeTemplate(), map[string]any{"firstName": "Ann"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if result.Subject != "Welcome to Zoptal, Ann!" {
		t.Errorf("Subject = %q", result.Subject)
	}
	if result.Text != "Hi Ann, your dashboard:" {
		t.Errorf("Text = %q", result.Text)
	}
	if strings.Contains(result.HTML, "{{") {
		t.Errorf("HTML still contains tokens: %q", result.HTML)
	}
}

func TestEngine_Render(t *testing.T) {
	engine := NewEngine(true)

	tests := []struct {
		name  string
		src   string
		vars  map[string]any
		want  string
		field string
	}{
		{"plain", "Hello {{name}}", map[string]any{"name": "Bob"}, "Hello Bob", "text"},
		{"inner whitespace", "Hello {{   name\t}}", map[string]any{"name": "Bob"}, "Hello Bob", "text"},
		{"repeated", "{{a}}-{{a}}", map[string]any{"a": "x"}, "x-x", "text"},
		{"number", "Total: {{n}}", map[string]any{"n": 42}, "Total: 42", "text"},
		{"float whole", "Total: {{n}}", map[string]any{"n": 3.0}, "Total: 3", "text"},
		{"float", "Total: {{n}}", map[string]any{"n": 2.5}, "Total: 2.5", "text"},
		{"bool true", "Flag {{b}}", map[string]any{"b": true}, "Flag true", "text"},
		{"falsy zero", "Count {{n}} items", map[string]any{"n": 0}, "Count items", "text"},
		{"falsy false", "Flag {{b}}.", map[string]any{"b": false}, "Flag.", "text"},
		{"unknown stripped", "Visit {{url}} now", nil, "Visit now", "text"},
		{"unknown at end", "Bye {{name}}", nil, "Bye", "text"},
		{"unknown before punctuation", "Hi {{name}}, welcome", nil, "Hi, welcome", "text"},
		{"unknown at start", "{{name}} hello", nil, "hello", "text"},
		{"unknown at line start", "{{greeting}} Ann\n{{url}} is your link", nil, "Ann\nis your link", "text"},
		{"two unknown at start", "{{a}} {{b}} hi", nil, "hi", "text"},
		{"unknown after newline glued", "x\n{{a}}y", nil, "x\ny", "text"},
		{"unknown glued", "a{{x}}b", nil, "ab", "text"},
		{"two unknown", "a {{x}} {{y}} b", nil, "a b", "text"},
		{"html escaped", "<p>{{name}}</p>", map[string]any{"name": "<b>Tom & Jerry</b>"}, "<p>&lt;b&gt;Tom &amp; Jerry&lt;/b&gt;</p>", "html"},
		{"text not escaped", "{{name}}", map[string]any{"name": "Tom & Jerry"}, "Tom & Jerry", "text"},
		{"no tokens", "static", nil, "static", "text"},
		{"token in value", "Hi {{name}}, link {{url}}", map[string]any{"name": "{{secret}}"}, "Hi secret, link", "text"},
		{"nested delimiters in value", "Hi {{name}}!", map[string]any{"name": "{{{{x}}}}"}, "Hi x!", "text"},
		{"delimiters only", "Hi {{name}}!", map[string]any{"name": "{{}}"}, "Hi!", "text"},
		{"token in html value", "<p>{{name}}</p>", map[string]any{"name": "<i>{{url}}</i>"}, "<p>&lt;i&gt;url&lt;/i&gt;</p>", "html"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := &Template{Subject: "s"}
			if tt.field == "html" {
				tmpl.HTML = tt.src
			} else {
				tmpl.Text = tt.src
			}

			result, err := engine.Render(tmpl, tt.vars)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}

			got := result.Text
			if tt.field == "html" {
				got = result.HTML
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngine_Defaults(t *testing.T) {
	engine := NewEngine(true)
	tmpl := &Template{
		Subject:   "Hi {{name}}",
		Text:      "Plan: {{plan}}",
		Variables: []Variable{{Key: "name", Required: true, Default: "there"}, {Key: "plan", Default: "free"}},
	}

	result, err := engine.Render(tmpl, map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if result.Subject != "Hi there" {
		t.Errorf("Subject = %q, want default applied", result.Subject)
	}
	if result.Text != "Plan: pro" {
		t.Errorf("Text = %q, want provided value", result.Text)
	}
}

func TestEngine_FalsyValues(t *testing.T) {
	tmpl := &Template{
		Subject:   "Hi {{n}}",
		Text:      "Count: {{count}}",
		Variables: []Variable{{Key: "n", Required: true}, {Key: "count", Default: "none"}},
	}

	for _, v := range []any{"", false, 0} {
		_, err := NewEngine(true).Render(tmpl, map[string]any{"n": v})
		if !IsMissingVariables(err) {
			t.Errorf("Render(n=%#v) error = %v, want missing variables", v, err)
		}
	}

	result, err := NewEngine(true).Render(tmpl, map[string]any{"n": "Ann", "count": 0})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if result.Text != "Count: none" {
		t.Errorf("Text = %q, want default for falsy value", result.Text)
	}

	lax := &Template{Subject: "Hi {{n}}", Variables: []Variable{{Key: "n", Default: "friend"}}}
	result, err = NewEngine(false).Render(lax, map[string]any{"n": ""})
	if err != nil {
		t.Fatalf("lax Render() error = %v", err)
	}
	if result.Subject != "Hi friend" {
		t.Errorf("lax Subject = %q, want %q", result.Subject, "Hi friend")
	}
}

func TestEngine_MissingRequired(t *testing.T) {
	tmpl := welcomeTemplate()

	_, err := NewEngine(true).Render(tmpl, map[string]any{"dashboardUrl": "https://x"})
	if err == nil {
		t.Fatal("Render() expected error for missing required variable")
	}
	if !errors.Is(err, mailerr.ErrValidation) {
		t.Errorf("error %v is not a validation error", err)
	}
	var mv *MissingVariablesError
	if !errors.As(err, &mv) || len(mv.Keys) != 1 || mv.Keys[0] != "firstName" {
		t.Errorf("error = %#v, want missing firstName", err)
	}
	if !IsMissingVariables(err) {
		t.Error("IsMissingVariables() = false")
	}

	result, err := NewEngine(false).Render(tmpl, nil)
	if err != nil {
		t.Fatalf("lax Render() error = %v", err)
	}
	if result.Subject != "Welcome to Zoptal,!" {
		t.Errorf("lax Subject = %q", result.Subject)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	engine := NewEngine(true)
	tmpl := welcomeTemplate()
	vars := map[string]any{"firstName": "Ann", "dashboardUrl": "https://app.zoptal.com"}

	first, err := engine.Render(tmpl, vars)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := engine.Render(tmpl, vars)
		if err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		if *again != *first {
			t.Fatalf("Render() not deterministic: %+v != %+v", again, first)
		}
	}
}

func TestEngine_Preview(t *testing.T) {
	engine := NewEngine(true)
	tmpl := &Template{
		Subject: "Hi {{name}}",
		Text:    "{{plan}} / {{code}}",
		Variables: []Variable{
			{Key: "name", Required: true, Example: "Ann"},
			{Key: "plan", Default: "free"},
			{Key: "code", Required: true},
		},
	}

	result, err := engine.Preview(tmpl, map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if result.Subject != "Hi Ann" {
		t.Errorf("Subject = %q", result.Subject)
	}
	if result.Text != "pro / [code]" {
		t.Errorf("Text = %q", result.Text)
	}

	result, err = engine.Preview(tmpl, map[string]any{"name": ""})
	if err != nil {
		t.Fatalf("Preview() with empty override error = %v", err)
	}
	if result.Subject != "Hi" {
		t.Errorf("Subject = %q", result.Subject)
	}
}

func TestTokens(t *testing.T) {
	got := Tokens(welcomeTemplate())
	want := []string{"dashboardUrl", "firstName"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Tokens() = %v, want %v", got, want)
	}
}

func TestTemplate_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    Template
		wantErr bool
	}{
		{"valid", *welcomeTemplate(), false},
		{"text only", Template{Name: "n", Subject: "s", Text: "t"}, false},
		{"missing name", Template{Subject: "s", Text: "t"}, true},
		{"missing subject", Template{Name: "n", Text: "t"}, true},
		{"missing bodies", Template{Name: "n", Subject: "s"}, true},
		{"empty key", Template{Name: "n", Subject: "s", Text: "t", Variables: []Variable{{Key: ""}}}, true},
		{"duplicate key", Template{Name: "n", Subject: "s", Text: "t", Variables: []Variable{{Key: "a"}, {Key: "a"}}}, true},
		{"bad type", Template{Name: "n", Subject: "s", Text: "t", Variables: []Variable{{Key: "a", Type: "json"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tmpl.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, mailerr.ErrValidation) {
				t.Errorf("Validate() error kind = %v", err)
			}
		})
	}
}
