package hub

import "regexp"

var (
	// scriptRE matches script elements including their body.
	scriptRE = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	// tagRE matches any remaining angle-bracket-delimited tag.
	tagRE = regexp.MustCompile(`<[^>]*>`)
)

// stripMarkup removes script elements (with their body) and then any
// remaining tag-like substrings from message content.
//
// This is a lightweight XSS mitigation, not a full HTML sanitizer: it does
// not decode entities or handle malformed nesting. Deployments that render
// message content as HTML need a real sanitizer on the client side.
func stripMarkup(s string) string {
	s = scriptRE.ReplaceAllString(s, "")
	return tagRE.ReplaceAllString(s, "")
}
