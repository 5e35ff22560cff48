package fetch

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose content is excluded from the
// readable body text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true, // title and meta are read separately
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
}

// extractHTML parses HTML and returns the citation title, the abstract
// when the page publishes one in its meta tags, and the readable body
// text for callers that need a fallback abstract.
func extractHTML(raw string) (title, abstract, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", "", stripTags(raw)
	}

	var meta metaFields
	collectMeta(doc, &meta)

	title = meta.citationTitle
	if title == "" {
		title = meta.ogTitle
	}
	if title == "" {
		title = strings.TrimSpace(findTitle(doc))
	}

	abstract = strings.TrimSpace(meta.citationAbstract)
	if abstract == "" {
		abstract = strings.TrimSpace(meta.description)
	}

	var content strings.Builder
	extractText(doc, &content)
	return title, abstract, cleanWhitespace(content.String())
}

// metaFields holds the tags scholarly pages use to describe themselves.
// citation_* tags are the Google Scholar convention and carry the most
// reliable data; Open Graph and plain description tags are fallbacks.
type metaFields struct {
	citationTitle    string
	citationAbstract string
	ogTitle          string
	description      string
}

// collectMeta walks the DOM gathering citation and Open Graph meta
// tags. The first occurrence of each tag wins.
func collectMeta(n *html.Node, m *metaFields) {
	if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
		var name, content string
		for _, a := range n.Attr {
			switch a.Key {
			case "name", "property":
				name = strings.ToLower(a.Val)
			case "content":
				content = a.Val
			}
		}
		switch name {
		case "citation_title":
			if m.citationTitle == "" {
				m.citationTitle = content
			}
		case "citation_abstract", "dc.description":
			if m.citationAbstract == "" {
				m.citationAbstract = content
			}
		case "og:title", "twitter:title":
			if m.ogTitle == "" {
				m.ogTitle = content
			}
		case "description", "og:description":
			if m.description == "" {
				m.description = content
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectMeta(c, m)
	}
}

// findTitle walks the DOM looking for a <title> element.
func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return getTextContent(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// getTextContent returns concatenated text of all children.
func getTextContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(getTextContent(c))
	}
	return b.String()
}

// extractText recursively extracts visible text from the DOM.
func extractText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n\n")
		}
	}

	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if text != "" {
			w.WriteString(text)
			w.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

// isBlockElement returns true for elements that typically render as blocks.
func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace normalizes whitespace in extracted text: runs of
// spaces collapse, runs of blank lines collapse to one.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var cleaned []string
	prevEmpty := false

	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// stripTags is a fallback that removes HTML tags naively.
func stripTags(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if tokenizer.Err() == io.EOF {
				return cleanWhitespace(b.String())
			}
			return cleanWhitespace(b.String())
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
}
