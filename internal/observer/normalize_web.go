package observer

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// boundsAttr is written by the capture script the browser adapter injects
// before serializing the DOM. Its value is "x,y,w,h" in viewport pixels.
const boundsAttr = "data-m-bounds"

// interactableTags are DOM elements a user can operate directly.
var interactableTags = map[string]struct{}{
	"a": {}, "button": {}, "input": {}, "textarea": {}, "select": {},
	"option": {}, "summary": {}, "label": {},
}

// skippedTags contribute no visible content.
var skippedTags = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "template": {}, "head": {},
	"meta": {}, "link": {}, "title": {},
}

// normalizeHTML flattens a serialized DOM into the format-independent
// normalized form. Element bounds come from the adapter's annotation
// attribute when present; documents captured without the script still
// normalize, with zero bounds.
func normalizeHTML(payload []byte) (normalized, error) {
	doc, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return normalized{}, fmt.Errorf("observer: parsing html: %w", err)
	}
	var n normalized
	walkHTMLNode(doc, &n)
	return n, nil
}

func walkHTMLNode(node *html.Node, n *normalized) {
	switch node.Type {
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if _, skip := skippedTags[tag]; skip {
			if tag == "title" {
				if t := strings.TrimSpace(nodeText(node)); t != "" && n.activity == "" {
					n.activity = t
				}
			}
			return
		}
		if isInteractableHTML(node, tag) {
			text := truncate(strings.TrimSpace(nodeText(node)), 80)
			desc := htmlDesc(node)
			bounds := parseBoundsAttr(attrValue(node, boundsAttr))
			role := tag
			if tag == "input" {
				if typ := attrValue(node, "type"); typ != "" {
					role = "input:" + strings.ToLower(typ)
				}
			}
			n.elements = append(n.elements, schemas.UIElement{
				Index:  len(n.elements),
				Role:   role,
				Text:   text,
				Desc:   desc,
				Bounds: bounds,
			})
			n.structural = append(n.structural, fmt.Sprintf("%s|%s|%s|%d,%d,%d,%d",
				role, text, desc, bounds.X, bounds.Y, bounds.W, bounds.H))
		}
	case html.TextNode:
		if t := strings.TrimSpace(node.Data); t != "" {
			n.texts = append(n.texts, truncate(t, 120))
			n.structural = append(n.structural, "#text|"+truncate(t, 120))
		}
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		walkHTMLNode(child, n)
	}
}

func isInteractableHTML(node *html.Node, tag string) bool {
	if _, ok := interactableTags[tag]; ok {
		return true
	}
	if attrValue(node, "onclick") != "" || attrValue(node, "contenteditable") == "true" {
		return true
	}
	switch attrValue(node, "role") {
	case "button", "link", "checkbox", "tab", "menuitem", "textbox", "combobox", "switch":
		return true
	}
	return false
}

// htmlDesc is the accessible label of an element, best first.
func htmlDesc(node *html.Node) string {
	for _, key := range []string{"aria-label", "placeholder", "title", "alt", "name"} {
		if v := strings.TrimSpace(attrValue(node, key)); v != "" {
			return v
		}
	}
	return ""
}

// nodeText collects the text content of a node, skipping non-visible
// subtrees.
func nodeText(node *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		if cur.Type == html.TextNode {
			if t := strings.TrimSpace(cur.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
			return
		}
		if cur.Type == html.ElementNode {
			if _, skip := skippedTags[strings.ToLower(cur.Data)]; skip && strings.ToLower(cur.Data) != "title" {
				return
			}
		}
		for child := cur.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return b.String()
}

func attrValue(node *html.Node, key string) string {
	for _, attr := range node.Attr {
		if strings.EqualFold(attr.Key, key) {
			return attr.Val
		}
	}
	return ""
}

func parseBoundsAttr(v string) schemas.Rect {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return schemas.Rect{}
	}
	vals := make([]int, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return schemas.Rect{}
		}
		vals[i] = int(f)
	}
	return schemas.Rect{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
