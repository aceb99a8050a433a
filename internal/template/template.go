package template

import (
	"strings"
	"time"

	"github.com/zoptal/mailflow/internal/mailerr"
)

// VarType is the declared type of a template variable.
type VarType string

const (
	VarString  VarType = "string"
	VarNumber  VarType = "number"
	VarDate    VarType = "date"
	VarBoolean VarType = "boolean"
	VarURL     VarType = "url"
)

// Template represents an email template
type Template struct {
	ID          string     `json:"id" yaml:"id,omitempty"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Subject     string     `json:"subject" yaml:"subject"`
	HTML        string     `json:"html,omitempty" yaml:"html,omitempty"`
	Text        string     `json:"text,omitempty" yaml:"text,omitempty"`
	Variables   []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
	Category    string     `json:"category,omitempty" yaml:"category,omitempty"`
	Active      bool       `json:"active" yaml:"active"`
	Version     int        `json:"version" yaml:"version,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"-"`
}

// Variable documents a template variable
type Variable struct {
	Key      string  `json:"key" yaml:"key"`
	Name     string  `json:"name,omitempty" yaml:"name,omitempty"`
	Type     VarType `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool    `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any     `json:"default,omitempty" yaml:"default,omitempty"`
	Example  string  `json:"example,omitempty" yaml:"example,omitempty"`
}

// Patch is a partial template update. Nil fields are left unchanged.
type Patch struct {
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	Subject     *string     `json:"subject,omitempty"`
	HTML        *string     `json:"html,omitempty"`
	Text        *string     `json:"text,omitempty"`
	Variables   *[]Variable `json:"variables,omitempty"`
	Category    *string     `json:"category,omitempty"`
	Active      *bool       `json:"active,omitempty"`
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ListFilter contains filters for listing templates
type ListFilter struct {
	Limit    int
	Offset   int
	Search   string
	Category string
	Active   *bool
}

// Stats contains template statistics
type Stats struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

// Validate checks the template content invariants.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return mailerr.Validation("template name is required")
	}
	if strings.TrimSpace(t.Subject) == "" {
		return mailerr.Validation("template subject is required")
	}
	if strings.TrimSpace(t.HTML) == "" && strings.TrimSpace(t.Text) == "" {
		return mailerr.Validation("template needs an html or text body")
	}

	seen := make(map[string]bool, len(t.Variables))
	for i, v := range t.Variables {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			return mailerr.Validation("variable %d: key is required", i)
		}
		if seen[key] {
			return mailerr.Validation("variable %q declared twice", key)
		}
		seen[key] = true
		if v.Type != "" && !v.Type.Valid() {
			return mailerr.Validation("variable %q: unknown type %q", key, v.Type)
		}
	}
	return nil
}

// Valid reports whether vt is a known variable type.
func (vt VarType) Valid() bool {
	switch vt {
	case VarString, VarNumber, VarDate, VarBoolean, VarURL:
		return true
	}
	return false
}

// Apply merges p into t.
func (p Patch) Apply(t *Template) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Subject != nil {
		t.Subject = *p.Subject
	}
	if p.HTML != nil {
		t.HTML = *p.HTML
	}
	if p.Text != nil {
		t.Text = *p.Text
	}
	if p.Variables != nil {
		t.Variables = *p.Variables
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Active != nil {
		t.Active = *p.Active
	}
}
