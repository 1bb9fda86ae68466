package observer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// boundsRegex matches the uiautomator bounds form "[x1,y1][x2,y2]".
var boundsRegex = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// normalizeUIAutomator flattens a uiautomator view hierarchy dump into the
// format-independent normalized form. Elements keep document order, which is
// the numbering the oracle references.
func normalizeUIAutomator(payload []byte) (normalized, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(payload); err != nil {
		return normalized{}, fmt.Errorf("observer: parsing uiautomator xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return normalized{}, fmt.Errorf("observer: uiautomator xml has no root element")
	}

	var n normalized
	walkUINode(root, &n)
	return n, nil
}

func walkUINode(el *etree.Element, n *normalized) {
	if el.Tag == "node" {
		text := strings.TrimSpace(el.SelectAttrValue("text", ""))
		desc := strings.TrimSpace(el.SelectAttrValue("content-desc", ""))
		role := shortClass(el.SelectAttrValue("class", ""))
		bounds := parseBounds(el.SelectAttrValue("bounds", ""))

		if n.activity == "" {
			if pkg := el.SelectAttrValue("package", ""); pkg != "" {
				n.activity = pkg
			}
		}
		if text != "" {
			n.texts = append(n.texts, text)
		}

		if interactableUINode(el, text, desc) {
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
	}
	for _, child := range el.ChildElements() {
		walkUINode(child, n)
	}
}

// interactableUINode mirrors what a user could act on: enabled nodes that
// accept input, plus labeled nodes the oracle may need to read or target.
func interactableUINode(el *etree.Element, text, desc string) bool {
	if el.SelectAttrValue("enabled", "true") == "false" {
		return false
	}
	for _, attr := range []string{"clickable", "long-clickable", "scrollable", "checkable", "focusable"} {
		if el.SelectAttrValue(attr, "false") == "true" {
			return true
		}
	}
	return text != "" || desc != ""
}

// shortClass reduces "android.widget.Button" to "Button".
func shortClass(class string) string {
	if i := strings.LastIndexByte(class, '.'); i >= 0 {
		return class[i+1:]
	}
	return class
}

func parseBounds(s string) schemas.Rect {
	m := boundsRegex.FindStringSubmatch(s)
	if m == nil {
		return schemas.Rect{}
	}
	x1, _ := strconv.Atoi(m[1])
	y1, _ := strconv.Atoi(m[2])
	x2, _ := strconv.Atoi(m[3])
	y2, _ := strconv.Atoi(m[4])
	return schemas.Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}
