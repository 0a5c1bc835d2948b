package types

import "fmt"

// The error taxonomy below is returned synchronously from every public
// operation. Callers are frequently LLMs that cannot catch exceptions, so
// each failure mode has a distinct, matchable type and a message specific
// enough to self-correct from.

// ValidationError reports invalid input: blank or over-long content, an
// unknown memory type or field, or an out-of-range value. No mutation has
// occurred when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ProtectedMemoryError reports an attempt to discard or consolidate a
// constitutional memory. The operation is rejected as a whole: when a
// consolidation includes one protected source, none of the sources are
// touched.
type ProtectedMemoryError struct {
	MemoryID string
}

func (e *ProtectedMemoryError) Error() string {
	return fmt.Sprintf("memory %s is constitutional and cannot be discarded or consolidated", e.MemoryID)
}

// ConflictError reports a lost optimistic-concurrency race or a
// name-uniqueness collision. For whiteboard revision conflicts it carries
// the server's current content and revision so the caller can resolve
// without re-fetching.
type ConflictError struct {
	Resource        string
	Reason          string
	CurrentRevision int
	CurrentContent  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Resource, e.Reason)
}

// NotFoundError reports a missing memory, agent, or whiteboard. It is never
// silently treated as success.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ContextError reports a tool invocation without its required chat or agent
// context, distinct from a lookup that simply missed.
type ContextError struct {
	Missing string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("missing required context: %s", e.Missing)
}

// SafetyRejectionError reports that a proposed prompt-field update was
// judged unsafe. The field is left unchanged.
type SafetyRejectionError struct {
	Field  string
	Reason string
}

func (e *SafetyRejectionError) Error() string {
	return fmt.Sprintf("update to %s rejected by safety check: %s", e.Field, e.Reason)
}

// GenerationError wraps a failure of the external generation service. It is
// never surfaced to interactive callers; background jobs abort without
// advancing their watermark so the work can be retried.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed during %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
