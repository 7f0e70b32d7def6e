// Package selector derives stable CSS/text selectors from raw element
// attributes. Synthesize is a pure function so it can be exercised without a
// live page.
package selector

import (
	"fmt"
	"strings"

	"github.com/webpilot-dev/webpilot/api/schemas"
)

const maxTextSelectorLen = 50

// Characters that appear in utility-CSS class names (Tailwind variants,
// arbitrary values) and are not valid in a bare `.class` selector without
// escaping. Any class token containing one of these is rejected outright.
const unsafeClassChars = ":/[]@!#"

// Synthesize maps one element's raw description to a selector string using a
// fixed priority ladder. Attributes that survive framework churn (test ids,
// explicit ids, accessibility metadata) win over presentation classes, and the
// bare tag name is the fallback of last resort. The returned selector is
// always built from the element's own attributes, never invented.
func Synthesize(el schemas.RawElement) string {
	attrs := el.Attributes

	if v := strings.TrimSpace(attrs["data-testid"]); v != "" {
		return fmt.Sprintf(`[data-testid=%q]`, v)
	}

	if id := strings.TrimSpace(attrs["id"]); id != "" && !looksAutoGenerated(id) {
		return "#" + id
	}

	if v := strings.TrimSpace(attrs["aria-label"]); v != "" {
		return fmt.Sprintf(`[aria-label=%q]`, v)
	}

	if v := strings.TrimSpace(attrs["name"]); v != "" {
		return fmt.Sprintf(`[name=%q]`, v)
	}

	if v := strings.TrimSpace(attrs["placeholder"]); v != "" {
		return fmt.Sprintf(`[placeholder=%q]`, v)
	}

	tag := strings.ToLower(strings.TrimSpace(el.Tag))
	role := strings.ToLower(strings.TrimSpace(el.Role))
	text := strings.TrimSpace(el.Text)

	if (role == "button" || role == "link" || tag == "button" || tag == "a") &&
		text != "" && len(text) < maxTextSelectorLen {
		return fmt.Sprintf(`%s:has-text(%q)`, textSelectorTag(tag, role), text)
	}

	if tag == "input" {
		if typ := strings.TrimSpace(attrs["type"]); typ != "" {
			if name := strings.TrimSpace(attrs["name"]); name != "" {
				return fmt.Sprintf(`input[type=%q][name=%q]`, typ, name)
			}
			return fmt.Sprintf(`input[type=%q]`, typ)
		}
	}

	if cls := firstSafeClass(attrs["class"]); cls != "" {
		return "." + cls
	}

	if tag != "" {
		return tag
	}
	return "*"
}

// looksAutoGenerated reports whether an id contains a run of 10 or more
// consecutive digits, the signature of framework-minted ids that change on
// every render.
func looksAutoGenerated(id string) bool {
	run := 0
	for _, r := range id {
		if r >= '0' && r <= '9' {
			run++
			if run >= 10 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// firstSafeClass returns the first whitespace-separated class token that
// contains none of the unsafe utility-CSS characters, or "" when no token
// qualifies.
func firstSafeClass(classAttr string) string {
	for _, tok := range strings.Fields(classAttr) {
		if !strings.ContainsAny(tok, unsafeClassChars) {
			return tok
		}
	}
	return ""
}

// textSelectorTag picks the element half of a text-match selector. When the
// tag is missing we fall back to the role's canonical tag so the selector
// still names a real element.
func textSelectorTag(tag, role string) string {
	if tag != "" {
		return tag
	}
	if role == "link" {
		return "a"
	}
	return "button"
}
