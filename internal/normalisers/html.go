package normalisers

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

var _ driven.Normaliser = (*HTML)(nil)

// HTML renders HTML bodies, such as Outlook mail and SharePoint pages, to
// text. Block elements become line breaks. Scripts, styles and the quoted
// history of mail replies are dropped.
type HTML struct {
	keepQuoted bool
}

// HTMLOption configures the HTML normaliser.
type HTMLOption func(*HTML)

// WithQuotedReplies keeps the quoted history below a reply separator.
func WithQuotedReplies() HTMLOption {
	return func(h *HTML) { h.keepQuoted = true }
}

// NewHTML creates an HTML normaliser.
func NewHTML(opts ...HTMLOption) *HTML {
	h := &HTML{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTML) SupportedTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (h *HTML) Priority() int { return 50 }

// Normalise tokenizes the document. Malformed markup degrades to the text
// seen before the error.
func (h *HTML) Normalise(content, _ string) string {
	z := html.NewTokenizer(strings.NewReader(content))
	var b strings.Builder
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return cleanText(collapseSpaces(b.String()))

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if skipDepth > 0 {
				if tt == html.StartTagToken && !isVoid(tok.DataAtom) {
					skipDepth++
				}
				continue
			}
			if !h.keepQuoted && isReplySeparator(tok) {
				return cleanText(collapseSpaces(b.String()))
			}
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Noscript, atom.Template:
				if tt == html.StartTagToken {
					skipDepth = 1
				}
			case atom.Br:
				b.WriteByte('\n')
			case atom.Li:
				b.WriteString("\n- ")
			case atom.Td, atom.Th:
				b.WriteByte('\t')
			default:
				if isBlock(tok.DataAtom) {
					b.WriteByte('\n')
				}
			}

		case html.EndTagToken:
			if skipDepth > 0 {
				skipDepth--
				continue
			}
			tok := z.Token()
			if isBlock(tok.DataAtom) {
				b.WriteByte('\n')
			}

		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// isReplySeparator detects the markers Outlook and Gmail insert above the
// quoted message in a reply.
func isReplySeparator(tok html.Token) bool {
	for _, attr := range tok.Attr {
		switch attr.Key {
		case "id":
			if attr.Val == "divRplyFwdMsg" || attr.Val == "appendonsend" {
				return true
			}
		case "class":
			for _, c := range strings.Fields(attr.Val) {
				if c == "gmail_quote" {
					return true
				}
			}
		}
	}
	return false
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Table, atom.Tr, atom.Blockquote, atom.Pre, atom.Hr:
		return true
	}
	return false
}

func isVoid(a atom.Atom) bool {
	switch a {
	case atom.Br, atom.Hr, atom.Img, atom.Input, atom.Meta, atom.Link:
		return true
	}
	return false
}

// collapseSpaces folds runs of spaces inside each line.
func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\u00a0'
		}), " ")
	}
	return strings.Join(lines, "\n")
}
