package normalisers

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

var (
	_ driven.Normaliser = (*Plaintext)(nil)
	_ driven.Normaliser = (*Markdown)(nil)
)

// Plaintext composes unicode to NFC and unifies line endings so the same
// text always yields the same fingerprint.
type Plaintext struct{}

// NewPlaintext creates a plain text normaliser.
func NewPlaintext() *Plaintext { return &Plaintext{} }

func (p *Plaintext) Normalise(content, _ string) string {
	return cleanText(content)
}

func (p *Plaintext) SupportedTypes() []string { return []string{"text/plain", "text/*"} }

// Priority is low so more specific text normalisers win.
func (p *Plaintext) Priority() int { return 10 }

// Markdown strips markup that carries no meaning for extraction.
type Markdown struct{}

// NewMarkdown creates a markdown normaliser.
func NewMarkdown() *Markdown { return &Markdown{} }

var (
	mdImage    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdHeading  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasis = regexp.MustCompile(`(\*\*|__|\*|_|~~)([^*_~\n]+)(\*\*|__|\*|_|~~)`)
	mdFence    = regexp.MustCompile("(?m)^```.*$")
	mdQuote    = regexp.MustCompile(`(?m)^>\s?`)
)

func (m *Markdown) Normalise(content, _ string) string {
	content = mdFence.ReplaceAllString(content, "")
	content = mdImage.ReplaceAllString(content, "$1")
	content = mdLink.ReplaceAllString(content, "$1")
	content = mdHeading.ReplaceAllString(content, "")
	content = mdEmphasis.ReplaceAllString(content, "$2")
	content = mdQuote.ReplaceAllString(content, "")
	return cleanText(content)
}

func (m *Markdown) SupportedTypes() []string { return []string{"text/markdown", "text/x-markdown"} }

func (m *Markdown) Priority() int { return 50 }

// cleanText applies NFC, unifies line endings, trims trailing spaces and
// collapses runs of blank lines.
func cleanText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\u00a0")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
