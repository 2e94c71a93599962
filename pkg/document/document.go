// Package document holds the immutable content document handed to the engine
// by the content layer, and the pure text transforms applied to it: marker
// insertion after structural anchors, call-to-action stripping and affiliate
// link rewriting. Every transform returns a new Document.
package document

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var (
	headingPattern = regexp.MustCompile(`(?is)<h([1-6])\b[^>]*>(.*?)</h[1-6]\s*>`)
	tagPattern     = regexp.MustCompile(`(?s)<[^>]*>`)
	lowerCaser     = cases.Lower(language.Und)
)

// Anchor is a heading found in a document.
type Anchor struct {
	// Index is the 0-based position among headings of the same level.
	Index int
	Level int
	// Start and End are byte offsets of the full heading element.
	Start int
	End   int
	Text  string
	Slug  string
}

// Document is an immutable piece of structured text.
type Document struct {
	text    string
	anchors []Anchor
}

// New builds a document and indexes its headings.
func New(text string) Document {
	return Document{text: text, anchors: scanHeadings(text)}
}

// Text returns the raw text.
func (d Document) Text() string {
	return d.text
}

// Anchors returns a copy of every heading anchor in document order.
func (d Document) Anchors() []Anchor {
	out := make([]Anchor, len(d.anchors))
	copy(out, d.anchors)
	return out
}

// Headings returns the anchors of one heading level in document order.
func (d Document) Headings(level int) []Anchor {
	var out []Anchor
	for _, a := range d.anchors {
		if a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

func scanHeadings(text string) []Anchor {
	matches := headingPattern.FindAllStringSubmatchIndex(text, -1)
	anchors := make([]Anchor, 0, len(matches))
	perLevel := make(map[int]int)
	for _, m := range matches {
		level := int(text[m[2]] - '0')
		inner := strings.TrimSpace(tagPattern.ReplaceAllString(text[m[4]:m[5]], ""))
		anchors = append(anchors, Anchor{
			Index: perLevel[level],
			Level: level,
			Start: m[0],
			End:   m[1],
			Text:  inner,
			Slug:  Slugify(inner),
		})
		perLevel[level]++
	}
	return anchors
}

// Slugify folds full-width characters, lower-cases, and joins runs of
// letters and digits with hyphens. Non-Latin letters are kept.
func Slugify(s string) string {
	s = lowerCaser.String(width.Fold.String(norm.NFKC.String(s)))
	var b strings.Builder
	pendingHyphen := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}
