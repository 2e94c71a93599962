package document

import (
	"bytes"
	"fmt"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"gopkg.in/yaml.v3"
)

// FrontMatter is the YAML header of an article.
type FrontMatter struct {
	Title         string         `yaml:"title"`
	Date          time.Time      `yaml:"date"`
	Tags          []string       `yaml:"tags"`
	ContentID     string         `yaml:"contentId"`
	AffiliateLink string         `yaml:"affiliateLink"`
	Extra         map[string]any `yaml:",inline"`
}

var (
	frontMatterDelim = []byte("---")
	markdown         = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
	)
)

// SplitFrontMatter separates a leading "---" delimited YAML block from the
// body. Sources without one return an empty header.
func SplitFrontMatter(src []byte) (header, body []byte) {
	trimmed := bytes.TrimPrefix(src, []byte("\ufeff"))
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		return nil, src
	}
	rest := trimmed[len(frontMatterDelim):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 || len(bytes.TrimSpace(rest[:nl])) != 0 {
		return nil, src
	}
	rest = rest[nl+1:]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		return nil, src
	}
	header = rest[:end]
	body = rest[end+1+len(frontMatterDelim):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return header, body
}

// FromMarkdown renders a markdown article to a Document. Raw HTML in the
// source is passed through.
func FromMarkdown(src []byte) (Document, FrontMatter, error) {
	var fm FrontMatter
	header, body := SplitFrontMatter(src)
	if len(header) > 0 {
		if err := yaml.Unmarshal(header, &fm); err != nil {
			return Document{}, fm, fmt.Errorf("failed to parse front matter: %w", err)
		}
	}
	var out bytes.Buffer
	if err := markdown.Convert(body, &out); err != nil {
		return Document{}, fm, fmt.Errorf("failed to render markdown: %w", err)
	}
	return New(out.String()), fm, nil
}
