// Package dom is the engine's view of a rendered page: markers emitted by
// the document inserter, the slot containers bound to them, and the probes
// that decide whether a widget actually rendered into a slot.
package dom

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Attribute names shared with pkg/document.
const (
	AttrMarker      = "data-adorn-marker"
	AttrPlacementID = "data-placement-id"
	AttrAnchorIndex = "data-anchor-index"
	AttrSlot        = "data-adorn-slot"
	SlotClass       = "adorn-slot"
)

// Page is a parsed document fragment. It is not safe for concurrent use;
// all access happens on the owning page's scheduler.
type Page struct {
	root *html.Node
}

// Marker is a placement marker found in a page.
type Marker struct {
	Node        *html.Node
	Prefix      string
	PlacementID string
	AnchorIndex int
}

// Parse parses a rendered HTML fragment.
func Parse(fragment string) (*Page, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return &Page{root: root}, nil
}

// Markers returns the markers carrying prefix, in document order.
func (p *Page) Markers(prefix string) []*Marker {
	var markers []*Marker
	walk(p.root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		value, ok := attr(n, AttrMarker)
		if !ok || value != prefix {
			return true
		}
		id, _ := attr(n, AttrPlacementID)
		if id == "" {
			return true
		}
		index := -1
		if raw, ok := attr(n, AttrAnchorIndex); ok {
			if parsed, err := strconv.Atoi(raw); err == nil {
				index = parsed
			}
		}
		markers = append(markers, &Marker{Node: n, Prefix: prefix, PlacementID: id, AnchorIndex: index})
		return true
	})
	return markers
}

// Slot returns the container already bound to placementID, if any.
func (p *Page) Slot(placementID string) (*Container, bool) {
	var found *html.Node
	walk(p.root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode {
			if id, ok := attr(n, AttrSlot); ok && id == placementID {
				found = n
				return false
			}
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return &Container{node: found, placementID: placementID}, true
}

// EnsureContainer returns the slot container for m, creating it right after
// the marker when none exists. created is false when an existing slot was
// reused, so repeated passes never produce a second container.
func (p *Page) EnsureContainer(m *Marker) (c *Container, created bool) {
	if existing, ok := p.Slot(m.PlacementID); ok {
		return existing, false
	}

	slot := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr: []html.Attribute{
			{Key: "class", Val: SlotClass},
			{Key: AttrSlot, Val: m.PlacementID},
		},
	}
	parent := m.Node.Parent
	if parent == nil {
		parent = p.root
		parent.AppendChild(slot)
	} else {
		parent.InsertBefore(slot, m.Node.NextSibling)
	}
	return &Container{node: slot, placementID: m.PlacementID}, true
}

// HTML serializes the page.
func (p *Page) HTML() string {
	return renderChildren(p.root)
}

// Container is the slot element a widget renders into.
type Container struct {
	node        *html.Node
	placementID string
}

// PlacementID returns the placement the container is bound to.
func (c *Container) PlacementID() string {
	return c.placementID
}

// Node returns the underlying element.
func (c *Container) Node() *html.Node {
	return c.node
}

// AppendHTML parses fragment in the container's context and appends it.
func (c *Container) AppendHTML(fragment string) error {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), c.node)
	if err != nil {
		return fmt.Errorf("failed to parse widget markup: %w", err)
	}
	for _, n := range nodes {
		c.node.AppendChild(n)
	}
	return nil
}

// Clear removes every child of the container.
func (c *Container) Clear() {
	for child := c.node.FirstChild; child != nil; {
		next := child.NextSibling
		c.node.RemoveChild(child)
		child = next
	}
}

// Empty reports whether the container has no element children.
func (c *Container) Empty() bool {
	for child := c.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode {
			return false
		}
	}
	return true
}

// Match reports whether any descendant of the container satisfies sig.
func (c *Container) Match(sig Signature) bool {
	if sig == nil {
		sig = DefaultSignature
	}
	matched := false
	for child := c.node.FirstChild; child != nil && !matched; child = child.NextSibling {
		walk(child, func(n *html.Node) bool {
			if matched {
				return false
			}
			if n.Type == html.ElementNode && sig(n) {
				matched = true
				return false
			}
			return true
		})
	}
	return matched
}

// HTML serializes the container's children.
func (c *Container) HTML() string {
	return renderChildren(c.node)
}

// walk visits n and its descendants depth-first; returning false from visit
// skips the node's children.
func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		walk(child, visit)
		child = next
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func renderChildren(n *html.Node) string {
	var buf bytes.Buffer
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		_ = html.Render(&buf, child)
	}
	return buf.String()
}
