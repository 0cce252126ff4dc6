package postprocessors

import (
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// ChunkConfig configures the chunker. Sizes are in bytes.
type ChunkConfig struct {
	MaxChunkSize int
	Overlap      int

	// LookBehind bounds how far back from MaxChunkSize a break point is searched.
	LookBehind int
}

// DefaultChunkConfig returns the sizes used for embedding.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChunkSize: 1000,
		Overlap:      200,
		LookBehind:   150,
	}
}

// Chunker splits content into overlapping windows, preferring paragraph,
// then sentence, then word boundaries. Windows never split a UTF-8 sequence.
type Chunker struct {
	config ChunkConfig
}

var _ driven.PostProcessor = (*Chunker)(nil)

// NewChunker creates a chunker. Invalid sizes fall back to the defaults.
func NewChunker(config ChunkConfig) *Chunker {
	def := DefaultChunkConfig()
	if config.MaxChunkSize <= 0 {
		config.MaxChunkSize = def.MaxChunkSize
	}
	if config.Overlap < 0 || config.Overlap >= config.MaxChunkSize {
		config.Overlap = config.MaxChunkSize / 5
	}
	if config.LookBehind <= 0 || config.LookBehind > config.MaxChunkSize {
		config.LookBehind = min(def.LookBehind, config.MaxChunkSize)
	}
	return &Chunker{config: config}
}

func (c *Chunker) Name() string { return "chunker" }

func (c *Chunker) Order() int { return 0 }

func (c *Chunker) Process(chunks []driven.Chunk) []driven.Chunk {
	var out []driven.Chunk
	for _, ch := range chunks {
		out = append(out, c.split(ch.Content, ch.StartOffset)...)
	}
	return out
}

func (c *Chunker) split(content string, base int) []driven.Chunk {
	if len(content) <= c.config.MaxChunkSize {
		return []driven.Chunk{{Content: content, StartOffset: base, EndOffset: base + len(content)}}
	}

	var out []driven.Chunk
	start := 0
	for start < len(content) {
		end := min(start+c.config.MaxChunkSize, len(content))
		if end < len(content) {
			end = c.breakPoint(content, start, end)
		}
		if end <= start {
			_, n := utf8.DecodeRuneInString(content[start:])
			end = start + n
		}

		out = append(out, driven.Chunk{
			Content:     content[start:end],
			StartOffset: base + start,
			EndOffset:   base + end,
		})
		if end == len(content) {
			break
		}

		next := runeStart(content, end-c.config.Overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// breakPoint returns the end of the window starting at start, at most maxEnd.
func (c *Chunker) breakPoint(content string, start, maxEnd int) int {
	from := max(start, maxEnd-c.config.LookBehind)
	window := content[from:maxEnd]

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return from + i + 2
	}

	best := -1
	for _, ender := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(window, ender); i >= 0 && i+len(ender) > best {
			best = i + len(ender)
		}
	}
	if best > 0 {
		return from + best
	}

	if i := strings.LastIndexAny(window, " \n\t"); i > 0 {
		return from + i + 1
	}
	return runeStart(content, maxEnd)
}

// runeStart moves i back to the first byte of the rune containing it.
func runeStart(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
