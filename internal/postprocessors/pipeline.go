package postprocessors

import (
	"sort"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

var _ driven.Chunker = (*Pipeline)(nil)

// Pipeline chains post-processors by Order and turns a normalised document
// into the chunks written to the vector store.
type Pipeline struct {
	mu         sync.RWMutex
	processors []driven.PostProcessor
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// DefaultPipeline chunks, normalises whitespace and drops repeated chunks.
func DefaultPipeline() *Pipeline {
	p := NewPipeline()
	p.Add(NewChunker(DefaultChunkConfig()))
	p.Add(NewWhitespaceNormalizer())
	p.Add(NewDeduplicator(DefaultDeduplicatorConfig()))
	return p
}

// Add inserts a processor, keeping the pipeline sorted.
func (p *Pipeline) Add(processor driven.PostProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processors = append(p.processors, processor)
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Order() < p.processors[j].Order()
	})
}

// Chunk runs every processor over content. Positions of the result are
// renumbered from zero so they can be used as chunk indexes.
func (p *Pipeline) Chunk(content string) []driven.Chunk {
	if content == "" {
		return nil
	}

	p.mu.RLock()
	processors := append([]driven.PostProcessor(nil), p.processors...)
	p.mu.RUnlock()

	chunks := []driven.Chunk{{Content: content, EndOffset: len(content)}}
	for _, proc := range processors {
		chunks = proc.Process(chunks)
	}
	for i := range chunks {
		chunks[i].Position = i
	}
	return chunks
}

// List returns processor names in execution order.
func (p *Pipeline) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.processors))
	for i, proc := range p.processors {
		names[i] = proc.Name()
	}
	return names
}
