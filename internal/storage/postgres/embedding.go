package postgres

import (
	"context"
	"log"
	"time"

	"github.com/sablewood/reverie/pkg/types"
)

// Embedder produces a vector for a piece of memory content. Satisfied by
// llm.Client; declared here so the storage layer does not depend on the llm
// package.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SetEmbedder attaches an embedding backend. New, merged, and promoted
// memories are embedded asynchronously, and SearchMemories augments its
// substring matches with the query's nearest neighbors. Call once during
// startup, before the store serves requests.
func (s *Store) SetEmbedder(e Embedder) { s.embedder = e }

// scheduleEmbed embeds content for a stored memory off the caller's path.
// Memory writes never wait on, or fail because of, the embedding backend;
// a failed embedding just leaves the row on the substring-only search path.
func (s *Store) scheduleEmbed(id, content string) {
	if s.embedder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			log.Printf("reverie: embedding memory %s: %v", id, err)
			return
		}
		if err := s.SetMemoryEmbedding(ctx, id, vec); err != nil {
			log.Printf("reverie: storing embedding for memory %s: %v", id, err)
		}
	}()
}

// augmentWithSimilar appends the query's nearest embedded neighbors to the
// substring matches, deduplicated by id, capped at limit. Substring matches
// keep their position; an unreachable embedding backend degrades silently to
// substring-only results.
func (s *Store) augmentWithSimilar(ctx context.Context, agentID, query string, base []*types.Memory, limit int) []*types.Memory {
	if s.embedder == nil || len(base) >= limit {
		return base
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("reverie: embedding search query: %v", err)
		return base
	}
	similar, err := s.SearchMemoriesSimilar(ctx, agentID, vec, limit-len(base))
	if err != nil {
		log.Printf("reverie: similarity search: %v", err)
		return base
	}

	seen := make(map[string]bool, len(base))
	for _, mem := range base {
		seen[mem.ID] = true
	}
	for _, mem := range similar {
		if len(base) >= limit {
			break
		}
		if !seen[mem.ID] {
			base = append(base, mem)
			seen[mem.ID] = true
		}
	}
	return base
}
