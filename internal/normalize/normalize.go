// Package normalize turns calendar occurrences into platform-ready event
// data.
package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"calbot/internal/model"
)

// Platform limits for scheduled events.
const (
	MaxNameLen        = 100
	NameKeep          = 95
	MaxDescriptionLen = 999
	DescriptionKeep   = 995
	Ellipsis          = "..."
)

// Normalize converts an occurrence into EventData. Visibility defaults to
// public; handlers restrict it when materializing a preview.
func Normalize(occ model.Occurrence) model.EventData {
	return model.EventData{
		Name:        Truncate(strings.TrimSpace(occ.Summary), MaxNameLen, NameKeep),
		Start:       occ.Start,
		End:         occ.End,
		Location:    strings.TrimSpace(occ.Location),
		Description: Truncate(HTMLToText(occ.Description), MaxDescriptionLen, DescriptionKeep),
		Visibility:  model.VisibilityPublic,
	}
}

// Truncate cuts s to keep runes plus Ellipsis when it is longer than max
// runes.
func Truncate(s string, max, keep int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:keep]) + Ellipsis
}

var tagPattern = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/?>`)

var spaceRun = regexp.MustCompile(`[ \t\r\n]+`)

// HTMLToText renders rich-text descriptions as markdown-ish plain text.
// Paragraphs end in a single newline. Input without any markup is
// returned trimmed but otherwise untouched.
func HTMLToText(s string) string {
	if !tagPattern.MatchString(s) {
		return strings.TrimSpace(s)
	}

	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	render(&b, doc)
	return tidy(b.String())
}

func render(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(spaceRun.ReplaceAllString(n.Data, " "))
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Br:
			b.WriteString("\n")
			return
		case atom.Script, atom.Style, atom.Head:
			return
		case atom.B, atom.Strong:
			wrap(b, n, "**")
			return
		case atom.I, atom.Em:
			wrap(b, n, "*")
			return
		case atom.A:
			renderLink(b, n)
			return
		case atom.Li:
			b.WriteString("- ")
			children(b, n)
			b.WriteString("\n")
			return
		case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			children(b, n)
			b.WriteString("\n")
			return
		case atom.Ul, atom.Ol:
			children(b, n)
			return
		}
	}
	children(b, n)
}

func children(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(b, c)
	}
}

func wrap(b *strings.Builder, n *html.Node, marker string) {
	var inner strings.Builder
	children(&inner, n)
	text := strings.TrimSpace(inner.String())
	if text == "" {
		return
	}
	b.WriteString(marker + text + marker)
}

func renderLink(b *strings.Builder, n *html.Node) {
	var inner strings.Builder
	children(&inner, n)
	text := strings.TrimSpace(inner.String())

	href := ""
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = a.Val
		}
	}
	switch {
	case href == "" || href == text:
		b.WriteString(text)
	case text == "":
		b.WriteString(href)
	default:
		b.WriteString("[" + text + "](" + href + ")")
	}
}

// tidy trims every line and collapses runs of blank lines.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
