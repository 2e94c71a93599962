package document

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
)

// DefaultPrefix is the marker prefix used when a spec leaves it empty.
const DefaultPrefix = "adorn"

// Anchor kinds, used in placement ids.
const (
	KindHeading = "h"
	KindVideo   = "v"
	KindFeed    = "f"
)

// videoEmbedPattern matches the responsive iframe wrapper emitted for sample videos.
var videoEmbedPattern = regexp.MustCompile(`(?is)<div[^>]*style="[^"]*padding-top[^"]*"[^>]*>.*?</iframe></div>`)

// AnchorSpec selects which anchors receive a marker.
type AnchorSpec struct {
	// Kind labels the anchor family in placement ids.
	Kind string
	// Level selects heading anchors when Pattern is nil. Zero means h2.
	Level int
	// Pattern selects arbitrary spans instead of headings.
	Pattern *regexp.Regexp
	// Occurrences are 1-based indexes of the anchors to mark.
	Occurrences []int
	// Every marks every Nth anchor (feed placements).
	Every int
	// Prefix namespaces markers so several engines can share a document.
	Prefix string
}

// AfterHeadings marks the given 1-based h2 occurrences.
func AfterHeadings(occurrences ...int) AnchorSpec {
	return AnchorSpec{Kind: KindHeading, Level: 2, Occurrences: occurrences}
}

// EveryNth marks every nth span matched by pattern.
func EveryNth(pattern *regexp.Regexp, n int) AnchorSpec {
	return AnchorSpec{Kind: KindFeed, Pattern: pattern, Every: n}
}

// AfterVideoEmbed marks every sample video embed.
func AfterVideoEmbed() AnchorSpec {
	return AnchorSpec{Kind: KindVideo, Pattern: videoEmbedPattern, Every: 1}
}

// WithPrefix returns a copy of s using prefix.
func (s AnchorSpec) WithPrefix(prefix string) AnchorSpec {
	s.Prefix = prefix
	return s
}

// Validate rejects specs that can never select an anchor.
func (s AnchorSpec) Validate() error {
	if len(s.Occurrences) == 0 && s.Every <= 0 {
		return adornerrors.NewError(adornerrors.CodeMalformedAnchorSpec, "no occurrences and no interval", adornerrors.ErrMalformedAnchorSpec)
	}
	for _, o := range s.Occurrences {
		if o <= 0 {
			return adornerrors.NewError(adornerrors.CodeMalformedAnchorSpec, fmt.Sprintf("occurrence %d is not 1-based", o), adornerrors.ErrMalformedAnchorSpec)
		}
	}
	if s.Level < 0 || s.Level > 6 {
		return adornerrors.NewError(adornerrors.CodeMalformedAnchorSpec, fmt.Sprintf("heading level %d", s.Level), adornerrors.ErrMalformedAnchorSpec)
	}
	return nil
}

func (s AnchorSpec) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return s.Prefix
}

func (s AnchorSpec) kind() string {
	if s.Kind == "" {
		if s.Pattern != nil {
			return KindFeed
		}
		return KindHeading
	}
	return s.Kind
}

// span is a matched anchor region.
type span struct {
	start, end int
}

func (s AnchorSpec) spans(doc Document) []span {
	if s.Pattern != nil {
		locs := s.Pattern.FindAllStringIndex(doc.text, -1)
		out := make([]span, len(locs))
		for i, loc := range locs {
			out[i] = span{start: loc[0], end: loc[1]}
		}
		return out
	}
	level := s.Level
	if level == 0 {
		level = 2
	}
	headings := doc.Headings(level)
	out := make([]span, len(headings))
	for i, h := range headings {
		out[i] = span{start: h.Start, end: h.End}
	}
	return out
}

// selected returns the 0-based anchor indexes chosen by the spec among n
// anchors, ascending. Occurrences beyond n are dropped.
func (s AnchorSpec) selected(n int) []int {
	chosen := make(map[int]struct{})
	for _, o := range s.Occurrences {
		if o >= 1 && o <= n {
			chosen[o-1] = struct{}{}
		}
	}
	if s.Every > 0 {
		for i := s.Every - 1; i < n; i += s.Every {
			chosen[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(chosen))
	for i := range chosen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Marker is a placement marker bound to one anchor.
type Marker struct {
	Prefix      string
	PlacementID string
	AnchorIndex int
	// Offset is where the marker token starts in the returned text.
	Offset int
	// Existing is true when the marker was already present.
	Existing bool
}

// PlacementID builds the deterministic placement id for an anchor.
func PlacementID(prefix, kind string, index int) string {
	return fmt.Sprintf("%s-%s%d", prefix, kind, index)
}

// MarkerToken renders the marker element.
func MarkerToken(prefix, placementID string, anchorIndex int) string {
	return fmt.Sprintf(`<div data-adorn-marker="%s" data-placement-id="%s" data-anchor-index="%d"></div>`, prefix, placementID, anchorIndex)
}

func markerKey(prefix, placementID string) string {
	return fmt.Sprintf(`data-adorn-marker="%s" data-placement-id="%s"`, prefix, placementID)
}

// InsertMarkers inserts a marker immediately after each anchor selected by
// spec. Anchors that do not exist are skipped, anchors that already carry a
// marker are left alone, so running it on its own output is a no-op. An
// invalid spec leaves the document unchanged.
func InsertMarkers(doc Document, spec AnchorSpec) (Document, []Marker) {
	if spec.Validate() != nil {
		return doc, nil
	}

	prefix, kind := spec.prefix(), spec.kind()
	spans := spec.spans(doc)
	indexes := spec.selected(len(spans))
	if len(indexes) == 0 {
		return doc, nil
	}

	type insertion struct {
		at    int
		token string
		index int
		id    string
	}
	var inserts []insertion
	var markers []Marker
	for _, i := range indexes {
		id := PlacementID(prefix, kind, i)
		if strings.Contains(doc.text, markerKey(prefix, id)) {
			markers = append(markers, Marker{Prefix: prefix, PlacementID: id, AnchorIndex: i, Offset: strings.Index(doc.text, "<div "+markerKey(prefix, id)), Existing: true})
			continue
		}
		inserts = append(inserts, insertion{at: spans[i].end, token: MarkerToken(prefix, id, i), index: i, id: id})
	}
	if len(inserts) == 0 {
		return doc, markers
	}

	var b strings.Builder
	b.Grow(len(doc.text) + len(inserts)*96)
	last, shift := 0, 0
	for _, ins := range inserts {
		b.WriteString(doc.text[last:ins.at])
		b.WriteString(ins.token)
		markers = append(markers, Marker{Prefix: prefix, PlacementID: ins.id, AnchorIndex: ins.index, Offset: ins.at + shift})
		shift += len(ins.token)
		last = ins.at
	}
	b.WriteString(doc.text[last:])
	out := New(b.String())

	// existing markers may have moved behind new insertions
	for i := range markers {
		if markers[i].Existing {
			markers[i].Offset = strings.Index(out.text, "<div "+markerKey(prefix, markers[i].PlacementID))
		}
	}

	sort.Slice(markers, func(i, j int) bool { return markers[i].AnchorIndex < markers[j].AnchorIndex })
	return out, markers
}

var markerPattern = regexp.MustCompile(`<div data-adorn-marker="([^"]+)" data-placement-id="([^"]+)" data-anchor-index="(\d+)"></div>`)

// FindMarkers lists the markers with prefix in text, in document order.
func FindMarkers(text, prefix string) []Marker {
	var markers []Marker
	for _, m := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		if text[m[2]:m[3]] != prefix {
			continue
		}
		index, _ := strconv.Atoi(text[m[6]:m[7]])
		markers = append(markers, Marker{
			Prefix:      prefix,
			PlacementID: text[m[4]:m[5]],
			AnchorIndex: index,
			Offset:      m[0],
			Existing:    true,
		})
	}
	return markers
}
