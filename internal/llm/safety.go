package llm

import (
	"context"

	"github.com/sablewood/reverie/pkg/types"
)

// GeneratedSafetyClassifier judges prompt-field values with a generation
// call. The judgment itself is a completion against DefaultSafetyTemplate.
type GeneratedSafetyClassifier struct {
	generator TextGenerator
}

// NewGeneratedSafetyClassifier creates a classifier backed by generator.
func NewGeneratedSafetyClassifier(generator TextGenerator) *GeneratedSafetyClassifier {
	return &GeneratedSafetyClassifier{generator: generator}
}

// Classify evaluates text and returns the model's verdict. Generation or
// parse failures come back as *types.GenerationError: the caller cannot tell
// safe from unsafe and must not apply the update.
func (c *GeneratedSafetyClassifier) Classify(ctx context.Context, text string) (Verdict, error) {
	prompt, err := RenderTemplate(DefaultSafetyTemplate, map[string]string{
		"candidate_text": text,
	})
	if err != nil {
		return Verdict{}, &types.GenerationError{Op: "safety prompt render", Err: err}
	}

	raw, err := c.generator.Complete(ctx, prompt)
	if err != nil {
		return Verdict{}, &types.GenerationError{Op: "safety classification", Err: err}
	}

	verdict, err := ParseSafetyVerdict(raw)
	if err != nil {
		return Verdict{}, &types.GenerationError{Op: "safety verdict parse", Err: err}
	}
	return verdict, nil
}

var _ SafetyClassifier = (*GeneratedSafetyClassifier)(nil)

// PermissiveClassifier approves everything. Test and development use only.
type PermissiveClassifier struct{}

// Classify always returns a safe verdict.
func (PermissiveClassifier) Classify(_ context.Context, _ string) (Verdict, error) {
	return Verdict{Safe: true}, nil
}

var _ SafetyClassifier = PermissiveClassifier{}
