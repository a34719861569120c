// Package template renders campaign subjects and bodies with the Liquid
// template language for per-recipient personalization.
package template

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// RenderMode determines how the engine handles render errors
type RenderMode int

const (
	// RenderModeLax falls back to the raw template on error (production sends)
	RenderModeLax RenderMode = iota
	// RenderModeStrict returns errors and undefined-variable warnings (preview/validation)
	RenderModeStrict
)

// ValidationError represents a validation issue in a template
type ValidationError struct {
	Variable string `json:"variable"`
	Message  string `json:"message"`
}

// Engine handles Liquid template rendering with compiled-template caching.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewEngine creates a template engine with the mailer's custom filters.
func NewEngine() *Engine {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	return e
}

// registerFilters adds the personalization filters campaigns rely on.
func (e *Engine) registerFilters() {
	// Default value filter: {{ first_name | default: "there" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// Title case: {{ name | titlecase }}
	e.engine.RegisterFilter("titlecase", func(s string) string {
		return strings.Title(strings.ToLower(s))
	})

	// Truncate with ellipsis: {{ bio | truncate: 50 }}
	e.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// URL encode: {{ email | urlencode }}
	e.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape (safety): {{ user_input | escape }}
	e.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// Extract domain from email: {{ email | email_domain }}
	e.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})

	// Mask email for privacy: {{ email | mask_email }}
	e.engine.RegisterFilter("mask_email", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) != 2 {
			return email
		}
		local := parts[0]
		domain := parts[1]
		if len(local) <= 2 {
			return local + "***@" + domain
		}
		return local[:2] + "***@" + domain
	})
}

// Parse compiles a template string and returns any syntax errors
func (e *Engine) Parse(templateStr string) error {
	_, err := e.engine.ParseString(templateStr)
	return err
}

// Render processes a template with the given context. When cacheKey is
// non-empty the compiled template is cached for repeated renders.
func (e *Engine) Render(cacheKey, templateStr string, ctx map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := e.cache.Load(cacheKey); ok {
			tpl := cached.(*liquid.Template)
			return tpl.RenderString(ctx)
		}
	}

	tpl, err := e.engine.ParseString(templateStr)
	if err != nil {
		return templateStr, err
	}

	if cacheKey != "" {
		e.cache.Store(cacheKey, tpl)
	}

	return tpl.RenderString(ctx)
}

// RenderWithMode renders with configurable error handling. Lax mode returns
// the raw template on error so a bad template never aborts a whole campaign;
// strict mode also reports undefined variables.
func (e *Engine) RenderWithMode(templateStr string, ctx map[string]interface{}, mode RenderMode) (string, []ValidationError, error) {
	var warnings []ValidationError
	if mode == RenderModeStrict {
		warnings = e.ValidateVariables(templateStr, ctx)
	}

	out, err := e.engine.ParseAndRenderString(templateStr, ctx)
	if err != nil {
		if mode == RenderModeStrict {
			return "", warnings, err
		}
		return templateStr, warnings, nil
	}
	return out, warnings, nil
}

// ClearCache removes all cached compiled templates.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}

// varPattern matches {{ var }}, {{ var | filter }}, {{ var.nested }}
var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*?)(?:\s*\||\s*\}\})`)

// ValidateVariables checks for variables used in a template but absent from
// the context. These are warnings, not errors: a missing merge field renders
// empty in lax mode.
func (e *Engine) ValidateVariables(templateStr string, ctx map[string]interface{}) []ValidationError {
	var errors []ValidationError

	matches := varPattern.FindAllStringSubmatch(templateStr, -1)
	seen := make(map[string]bool)

	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		varName := strings.TrimSpace(match[1])
		if seen[varName] {
			continue
		}
		seen[varName] = true

		if isLiquidKeyword(varName) {
			continue
		}

		if !variableExists(varName, ctx) {
			errors = append(errors, ValidationError{
				Variable: varName,
				Message:  fmt.Sprintf("variable '%s' may not be defined for all recipients", varName),
			})
		}
	}

	return errors
}

// variableExists checks if a dotted variable path exists in the context
func variableExists(varPath string, ctx map[string]interface{}) bool {
	parts := strings.Split(varPath, ".")

	var current interface{} = ctx
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		val, ok := m[part]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

// isLiquidKeyword checks if a name is a Liquid control keyword
func isLiquidKeyword(name string) bool {
	keywords := map[string]bool{
		"if": true, "elsif": true, "else": true, "endif": true,
		"unless": true, "endunless": true,
		"case": true, "when": true, "endcase": true,
		"for": true, "endfor": true, "break": true, "continue": true,
		"capture": true, "endcapture": true,
		"comment": true, "endcomment": true,
		"raw": true, "endraw": true,
		"assign": true, "increment": true, "decrement": true,
		"forloop": true, "limit": true, "offset": true, "reversed": true,
		"true": true, "false": true, "nil": true, "null": true,
		"empty": true, "blank": true,
		"and": true, "or": true, "not": true,
		"contains": true, "in": true,
	}
	return keywords[strings.ToLower(name)]
}
