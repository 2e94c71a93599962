package document

import (
	"regexp"
	"strings"
)

// DefaultCallToActions are the link texts removed by StripCallToAction when
// no phrases are given.
var DefaultCallToActions = []string{"今すぐチェックする"}

// DefaultAffiliateHosts are the link hosts treated as affiliate links.
var DefaultAffiliateHosts = []string{"al.fanza.co.jp", "al.dmm.co.jp", "www.dmm.co.jp"}

var (
	affiliateBlockPattern = regexp.MustCompile(`(?is)<div[^>]*class="affiliate-link"[^>]*>.*?</div>`)
	anchorOpenPattern     = regexp.MustCompile(`(?i)<a\s+([^>]*?)href="(https?://([^/"]+)[^"]*)"([^>]*)>`)
)

// StripCallToAction removes affiliate call-to-action blocks and links whose
// whole text is one of phrases.
func StripCallToAction(doc Document, phrases ...string) Document {
	if len(phrases) == 0 {
		phrases = DefaultCallToActions
	}
	text := affiliateBlockPattern.ReplaceAllString(doc.text, "")
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		link := regexp.MustCompile(`(?is)<a\b[^>]*>\s*` + regexp.QuoteMeta(phrase) + `\s*</a>`)
		text = link.ReplaceAllString(text, "")
	}
	if text == doc.text {
		return doc
	}
	return New(text)
}

// RewriteAffiliateLinks opens links to hosts in a new tab and marks them as
// sponsored. Links that already carry a target are left alone.
func RewriteAffiliateLinks(doc Document, hosts ...string) Document {
	if len(hosts) == 0 {
		hosts = DefaultAffiliateHosts
	}
	text := anchorOpenPattern.ReplaceAllStringFunc(doc.text, func(tag string) string {
		m := anchorOpenPattern.FindStringSubmatch(tag)
		if !matchesHost(strings.ToLower(m[3]), hosts) {
			return tag
		}
		lower := strings.ToLower(tag)
		if strings.Contains(lower, "target=") {
			return tag
		}
		extra := ` target="_blank"`
		if !strings.Contains(lower, "rel=") {
			extra += ` rel="noopener noreferrer sponsored"`
		}
		return tag[:len(tag)-1] + extra + ">"
	})
	if text == doc.text {
		return doc
	}
	return New(text)
}

func matchesHost(host string, hosts []string) bool {
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
