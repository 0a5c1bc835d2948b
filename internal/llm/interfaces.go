package llm

import "context"

// TextGenerator is the interface for LLM text completion.
// Reflection and safety prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator produces vector embeddings for similarity search.
// Embeddings are an enrichment of stored memories: every memory operation
// works without them, they only sharpen retrieval.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Verdict is the outcome of a safety classification.
type Verdict struct {
	Safe   bool
	Reason string
}

// SafetyClassifier judges whether a proposed prompt-field value is safe to
// apply. Implementations are pluggable so tests can run without a live model.
type SafetyClassifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}
