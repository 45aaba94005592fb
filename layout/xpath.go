package layout

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// evaluate runs a path expression against root. Supported subset:
//   - /html/body/div[1]/ul/li      absolute path from the document
//   - //iframe                     descendant anywhere
//   - td[1]/span[3]                relative to root
//   - .//td[2]/span                descendant of root, then relative steps
//
// Step predicates: [n] (1-based position among same-tag siblings),
// [@attr], [@attr='v'] and [contains(@attr,'v')].
func evaluate(root *html.Node, xpath string) []*html.Node {
	xpath = strings.TrimSpace(xpath)

	switch {
	case strings.HasPrefix(xpath, ".//"):
		return findDescendants(root, xpath[3:])
	case strings.HasPrefix(xpath, "//"):
		return findDescendants(root, xpath[2:])
	case strings.HasPrefix(xpath, "/"):
		return followPath(documentOf(root), xpath[1:])
	case strings.HasPrefix(xpath, "./"):
		return followPath(root, xpath[2:])
	}
	return followPath(root, xpath)
}

// first returns the first match or nil.
func first(root *html.Node, xpath string) *html.Node {
	if m := evaluate(root, xpath); len(m) > 0 {
		return m[0]
	}
	return nil
}

func documentOf(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

// findDescendants matches the first step anywhere below root (excluding root
// itself) and follows the remaining steps as children.
func findDescendants(root *html.Node, expr string) []*html.Node {
	steps := strings.SplitN(expr, "/", 2)
	tag, pred := parseStep(steps[0])

	var matches []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if matchesStep(c, tag, pred) {
				matches = append(matches, c)
			}
			walk(c)
		}
	}
	walk(root)

	if len(steps) > 1 && steps[1] != "" {
		var out []*html.Node
		for _, m := range matches {
			out = append(out, followPath(m, steps[1])...)
		}
		return out
	}
	return matches
}

// followPath follows step/step/... through element children.
func followPath(node *html.Node, path string) []*html.Node {
	current := []*html.Node{node}
	for _, step := range strings.Split(path, "/") {
		if step == "" {
			continue
		}
		tag, pred := parseStep(step)
		var next []*html.Node
		for _, parent := range current {
			for c := parent.FirstChild; c != nil; c = c.NextSibling {
				if matchesStep(c, tag, pred) {
					next = append(next, c)
				}
			}
		}
		current = next
	}
	return current
}

type predicate struct {
	attrName  string
	attrValue string
	contains  bool
	position  int // 1-based
}

// parseStep parses "div", "div[2]", "div[@class='x']", "iframe[contains(@src,'x')]".
func parseStep(step string) (string, *predicate) {
	idx := strings.IndexByte(step, '[')
	if idx < 0 {
		return step, nil
	}
	tag := step[:idx]
	expr := strings.TrimSpace(strings.TrimSuffix(step[idx+1:], "]"))

	if n, err := strconv.Atoi(expr); err == nil {
		return tag, &predicate{position: n}
	}

	if strings.HasPrefix(expr, "contains(") && strings.HasSuffix(expr, ")") {
		args := strings.SplitN(expr[len("contains("):len(expr)-1], ",", 2)
		if len(args) == 2 && strings.HasPrefix(strings.TrimSpace(args[0]), "@") {
			return tag, &predicate{
				attrName:  strings.TrimPrefix(strings.TrimSpace(args[0]), "@"),
				attrValue: strings.Trim(strings.TrimSpace(args[1]), `'"`),
				contains:  true,
			}
		}
		return tag, nil
	}

	if strings.HasPrefix(expr, "@") {
		attr := expr[1:]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			return tag, &predicate{attrName: attr[:eq], attrValue: strings.Trim(attr[eq+1:], `'"`)}
		}
		return tag, &predicate{attrName: attr}
	}
	return tag, nil
}

func matchesStep(n *html.Node, tag string, pred *predicate) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if tag != "*" && n.Data != tag {
		return false
	}
	if pred == nil {
		return true
	}

	if pred.attrName != "" {
		val, ok := attr(n, pred.attrName)
		switch {
		case !ok:
			return false
		case pred.contains:
			return strings.Contains(val, pred.attrValue)
		case pred.attrValue != "":
			return val == pred.attrValue
		}
		return true
	}

	if pred.position > 0 {
		pos := 0
		for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
			if s.Type == html.ElementNode && s.Data == n.Data {
				pos++
				if s == n {
					return pos == pred.position
				}
			}
		}
		return false
	}
	return true
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// text returns the element's text content with whitespace collapsed, the
// way a browser reports innerText for inline content.
func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if n.Data == "br" {
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
