package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Signature recognizes rendered widget output. It is injected per vendor so
// the probe loop never hard-codes a vendor's markup.
type Signature func(n *html.Node) bool

// DefaultSignature matches a link, image or iframe, or a div whose id
// mentions "dmm" or whose class mentions "dmm", "widget" or "item".
func DefaultSignature(n *html.Node) bool {
	switch n.Data {
	case "a", "img", "iframe":
		return true
	case "div":
		if id, ok := attr(n, "id"); ok && strings.Contains(id, "dmm") {
			return true
		}
		if class, ok := attr(n, "class"); ok {
			for _, needle := range []string{"dmm", "widget", "item"} {
				if strings.Contains(class, needle) {
					return true
				}
			}
		}
	}
	return false
}

// HasTag matches elements with one of the given tag names.
func HasTag(tags ...string) Signature {
	return func(n *html.Node) bool {
		for _, tag := range tags {
			if n.Data == tag {
				return true
			}
		}
		return false
	}
}

// HasClass matches elements whose class list contains class.
func HasClass(class string) Signature {
	return func(n *html.Node) bool {
		value, ok := attr(n, "class")
		if !ok {
			return false
		}
		for _, field := range strings.Fields(value) {
			if field == class {
				return true
			}
		}
		return false
	}
}

// AnyOf matches when any of sigs matches.
func AnyOf(sigs ...Signature) Signature {
	return func(n *html.Node) bool {
		for _, sig := range sigs {
			if sig != nil && sig(n) {
				return true
			}
		}
		return false
	}
}
