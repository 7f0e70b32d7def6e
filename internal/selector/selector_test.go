package selector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/webpilot-dev/webpilot/api/schemas"
)

func el(tag, text, role string, attrs map[string]string) schemas.RawElement {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return schemas.RawElement{Tag: tag, Text: text, Role: role, Attributes: attrs}
}

func TestSynthesize_PriorityLadder(t *testing.T) {
	testCases := []struct {
		name     string
		element  schemas.RawElement
		expected string
	}{
		{
			name: "data-testid wins over everything",
			element: el("button", "Submit order", "button", map[string]string{
				"data-testid": "checkout-submit",
				"id":          "submit-btn",
				"aria-label":  "Submit",
				"class":       "btn btn-primary",
			}),
			expected: `[data-testid="checkout-submit"]`,
		},
		{
			name:     "stable id",
			element:  el("div", "", "", map[string]string{"id": "main-nav", "class": "nav"}),
			expected: "#main-nav",
		},
		{
			name:     "auto-generated id is skipped",
			element:  el("div", "", "", map[string]string{"id": "ember-1234567890123", "aria-label": "Cart"}),
			expected: `[aria-label="Cart"]`,
		},
		{
			name:     "id with short digit runs is kept",
			element:  el("div", "", "", map[string]string{"id": "section-2-col-3"}),
			expected: "#section-2-col-3",
		},
		{
			name:     "aria-label",
			element:  el("button", "", "", map[string]string{"aria-label": "Close dialog"}),
			expected: `[aria-label="Close dialog"]`,
		},
		{
			name:     "name attribute",
			element:  el("input", "", "", map[string]string{"name": "email"}),
			expected: `[name="email"]`,
		},
		{
			name:     "placeholder",
			element:  el("input", "", "", map[string]string{"placeholder": "Search products"}),
			expected: `[placeholder="Search products"]`,
		},
		{
			name:     "button text selector",
			element:  el("button", "Sign in", "", nil),
			expected: `button:has-text("Sign in")`,
		},
		{
			name:     "link text selector via role",
			element:  el("", "Forgot password?", "link", nil),
			expected: `a:has-text("Forgot password?")`,
		},
		{
			name:     "long button text falls through to class",
			element:  el("button", strings.Repeat("x", 60), "", map[string]string{"class": "cta"}),
			expected: ".cta",
		},
		{
			name:     "input type plus name",
			element:  el("input", "", "", map[string]string{"type": "checkbox", "name": ""}),
			expected: `input[type="checkbox"]`,
		},
		{
			name:     "first safe class token",
			element:  el("div", "", "", map[string]string{"class": "card shadow-md"}),
			expected: ".card",
		},
		{
			name:     "tag fallback",
			element:  el("textarea", "", "", nil),
			expected: "textarea",
		},
		{
			name:     "universal fallback when nothing is known",
			element:  el("", "", "", nil),
			expected: "*",
		},
		{
			name:     "text selector escapes embedded quotes",
			element:  el("a", `Read "more"`, "", nil),
			expected: `a:has-text("Read \"more\"")`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Synthesize(tc.element))
		})
	}
}

// Elements carrying a data-testid must always resolve to the attribute
// selector, no matter which other attributes are present.
func TestSynthesize_DataTestIDInvariant(t *testing.T) {
	variants := []map[string]string{
		{"data-testid": "v", "id": "stable-id"},
		{"data-testid": "v", "aria-label": "label"},
		{"data-testid": "v", "name": "field", "placeholder": "hint"},
		{"data-testid": "v", "class": "btn", "type": "submit"},
	}
	for _, attrs := range variants {
		got := Synthesize(el("button", "Click me", "button", attrs))
		assert.Equal(t, `[data-testid="v"]`, got)
	}
}

// Utility-framework class tokens must never surface as bare class selectors.
func TestSynthesize_RejectsUtilityClasses(t *testing.T) {
	unsafe := []string{
		"hover:bg-blue-500",
		"w-1/2",
		"lg:[&>*]:mt-2",
		"px-[10px]",
		"@container",
		"!font-bold",
		"text-#fff",
	}
	for _, cls := range unsafe {
		got := Synthesize(el("div", "", "", map[string]string{"class": cls}))
		assert.Equal(t, "div", got, "class %q must not become a selector", cls)
		assert.False(t, strings.HasPrefix(got, "."), "class %q leaked into %q", cls, got)
	}

	// A safe token after unsafe ones is still usable.
	got := Synthesize(el("div", "", "", map[string]string{"class": "md:flex panel"}))
	assert.Equal(t, ".panel", got)
}

func TestLooksAutoGenerated(t *testing.T) {
	assert.True(t, looksAutoGenerated("id-1234567890"))
	assert.True(t, looksAutoGenerated("9999999999"))
	assert.False(t, looksAutoGenerated("row-123-col-456789"))
	assert.False(t, looksAutoGenerated("header"))
}
