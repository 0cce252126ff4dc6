package driven

// Normaliser turns provider content of one format into plain text before
// extraction and chunking.
type Normaliser interface {
	Normalise(content string, mimeType string) string

	// SupportedTypes may contain wildcards such as "text/*".
	SupportedTypes() []string

	// Priority breaks ties between normalisers for the same type; higher wins.
	Priority() int
}

// NormaliserRegistry picks a normaliser by MIME type.
type NormaliserRegistry interface {
	// Get returns the highest priority match, or nil.
	Get(mimeType string) Normaliser
	Register(normaliser Normaliser)
	List() []string
}

// PostProcessor is one stage of the chunking pipeline. The first stage
// receives a single chunk holding the whole document.
type PostProcessor interface {
	Process(chunks []Chunk) []Chunk
	Name() string

	// Order positions the stage in the pipeline, lowest first.
	Order() int
}
