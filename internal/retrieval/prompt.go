package retrieval

import (
	"fmt"
	"strings"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// systemPrompt constrains the model to the retrieved context. Answering from
// outside the context or inventing facts when the context falls short is a
// correctness bug, not a style issue.
const systemPrompt = `You are a knowledge base assistant. Answer the user's question using ONLY the context provided below.

Rules:
- Base your answer exclusively on the provided context. Do not use outside knowledge.
- If the context does not contain the information needed to answer, say so plainly instead of guessing.
- Cite the source markers (filename and page) for the statements in your answer where possible.`

// buildPrompt assembles the generation call: the system prompt with the
// context block appended, the trimmed history, and the query as the final
// user turn. Context entries arrive in ascending distance order and are kept
// that way.
func buildPrompt(query string, retrieved []retrievedChunk, history []domain.Turn) (string, []domain.Turn) {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nContext:\n")
	for _, rc := range retrieved {
		fmt.Fprintf(&b, "\n[Source: %s]\n%s\n", sourceLabel(rc.chunk), rc.chunk.Text)
	}

	messages := make([]domain.Turn, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, domain.Turn{Role: domain.RoleUser, Content: query})

	return b.String(), messages
}
