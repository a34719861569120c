package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderBasic(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("", "Hello {{ first_name }}!", map[string]interface{}{
		"first_name": "Alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Alice!", out)
}

func TestRenderCached(t *testing.T) {
	e := NewEngine()

	tpl := "Hi {{ first_name }}"
	out1, err := e.Render("subject:c1", tpl, map[string]interface{}{"first_name": "Alice"})
	require.NoError(t, err)
	out2, err := e.Render("subject:c1", tpl, map[string]interface{}{"first_name": "Bob"})
	require.NoError(t, err)

	assert.Equal(t, "Hi Alice", out1)
	assert.Equal(t, "Hi Bob", out2)
}

func TestDefaultFilter(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name string
		ctx  map[string]interface{}
		want string
	}{
		{"missing variable", map[string]interface{}{}, "Hello there!"},
		{"empty value", map[string]interface{}{"first_name": ""}, "Hello there!"},
		{"present value", map[string]interface{}{"first_name": "Alice"}, "Hello Alice!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Render("", `Hello {{ first_name | default: "there" }}!`, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestEmailFilters(t *testing.T) {
	e := NewEngine()

	ctx := map[string]interface{}{"email": "john.doe@example.com"}

	out, err := e.Render("", "{{ email | email_domain }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "example.com", out)

	out, err = e.Render("", "{{ email | mask_email }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "jo***@example.com", out)
}

func TestTruncateFilter(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("", "{{ bio | truncate: 10 }}", map[string]interface{}{
		"bio": "a very long biography string",
	})
	require.NoError(t, err)
	assert.Equal(t, "a very ...", out)
	assert.Len(t, out, 10)
}

func TestParseInvalid(t *testing.T) {
	e := NewEngine()

	err := e.Parse("{% if x %}unclosed")
	assert.Error(t, err)
}

func TestRenderLaxFallsBack(t *testing.T) {
	e := NewEngine()

	raw := "{% if x %}broken"
	out, _, err := e.RenderWithMode(raw, map[string]interface{}{}, RenderModeLax)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestRenderStrictReportsErrors(t *testing.T) {
	e := NewEngine()

	_, _, err := e.RenderWithMode("{% if x %}broken", map[string]interface{}{}, RenderModeStrict)
	assert.Error(t, err)
}

func TestValidateVariables(t *testing.T) {
	e := NewEngine()

	warnings := e.ValidateVariables(
		"Hello {{ first_name }}, your plan is {{ plan_name }}",
		map[string]interface{}{"first_name": "Alice"},
	)

	require.Len(t, warnings, 1)
	assert.Equal(t, "plan_name", warnings[0].Variable)
	assert.True(t, strings.Contains(warnings[0].Message, "plan_name"))
}

func TestValidateVariablesIgnoresKeywords(t *testing.T) {
	e := NewEngine()

	warnings := e.ValidateVariables(
		"{% if vip %}{{ first_name }}{% endif %}",
		map[string]interface{}{"first_name": "Alice", "vip": true},
	)
	assert.Empty(t, warnings)
}
