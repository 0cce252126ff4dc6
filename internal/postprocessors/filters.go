package postprocessors

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// WhitespaceNormalizer collapses spaces inside lines, folds blank line
// runs and drops chunks left empty.
type WhitespaceNormalizer struct{}

var _ driven.PostProcessor = (*WhitespaceNormalizer)(nil)

// NewWhitespaceNormalizer creates a whitespace normalizer.
func NewWhitespaceNormalizer() *WhitespaceNormalizer {
	return &WhitespaceNormalizer{}
}

func (w *WhitespaceNormalizer) Name() string { return "whitespace-normalizer" }

func (w *WhitespaceNormalizer) Order() int { return 5 }

func (w *WhitespaceNormalizer) Process(chunks []driven.Chunk) []driven.Chunk {
	out := make([]driven.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		content := strings.ReplaceAll(ch.Content, "\r\n", "\n")
		lines := strings.Split(content, "\n")
		kept := lines[:0]
		blank := false
		for _, line := range lines {
			line = strings.Join(strings.Fields(line), " ")
			if line == "" {
				if blank {
					continue
				}
				blank = true
			} else {
				blank = false
			}
			kept = append(kept, line)
		}
		content = strings.TrimSpace(strings.Join(kept, "\n"))
		if content == "" {
			continue
		}
		ch.Content = content
		out = append(out, ch)
	}
	return out
}

// DeduplicatorConfig configures the deduplicator.
type DeduplicatorConfig struct {
	// MinDuplicateLength is the shortest chunk checked; shorter chunks are kept.
	MinDuplicateLength int
}

// DefaultDeduplicatorConfig returns the default config.
func DefaultDeduplicatorConfig() DeduplicatorConfig {
	return DeduplicatorConfig{MinDuplicateLength: 50}
}

// Deduplicator drops chunks whose case-folded text already appeared
// earlier in the same document, such as repeated mail signatures.
type Deduplicator struct {
	config DeduplicatorConfig
}

var _ driven.PostProcessor = (*Deduplicator)(nil)

// NewDeduplicator creates a deduplicator.
func NewDeduplicator(config DeduplicatorConfig) *Deduplicator {
	return &Deduplicator{config: config}
}

func (d *Deduplicator) Name() string { return "deduplicator" }

func (d *Deduplicator) Order() int { return 10 }

func (d *Deduplicator) Process(chunks []driven.Chunk) []driven.Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	seen := make(map[string]struct{}, len(chunks))
	out := make([]driven.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if len(ch.Content) < d.config.MinDuplicateLength {
			out = append(out, ch)
			continue
		}
		key := digest(ch.Content)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ch)
	}
	return out
}

func digest(content string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:])
}
