package chunk

import (
	"strings"

	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/extract"
)

// separators is the split priority: paragraph breaks first, then line breaks,
// sentence terminators, whitespace, and finally individual runes. Earlier
// separators preserve more semantic structure.
var separators = []string{"\n\n", "\n", ". ", "? ", "! ", " "}

// Splitter produces overlapping chunks of at most TargetTokens tokens, with
// up to OverlapTokens tokens carried between consecutive chunks.
type Splitter struct {
	TargetTokens  int
	OverlapTokens int
}

// NewSplitter creates a splitter with the given budget. Non-positive values
// fall back to the 1000/200 defaults.
func NewSplitter(targetTokens, overlapTokens int) *Splitter {
	if targetTokens <= 0 {
		targetTokens = 1000
	}
	if overlapTokens < 0 || overlapTokens >= targetTokens {
		overlapTokens = 200
	}
	return &Splitter{TargetTokens: targetTokens, OverlapTokens: overlapTokens}
}

// fragment is an atomic piece produced by recursive splitting; fragments are
// merged into chunk windows but never split further.
type fragment struct {
	text   string
	tokens int
}

// Split chunks the extracted pages in order. Pages are chunked independently,
// so a chunk never spans a page boundary and paginated formats keep exact
// page numbers. ChunkIndex increases across the whole document; vector ids
// are assigned by the caller.
func (s *Splitter) Split(pages []extract.Page, filename string) []domain.Chunk {
	var chunks []domain.Chunk

	for _, page := range pages {
		fragments := s.splitRecursive(page.Text, separators)
		windows := s.mergeFragments(fragments)

		for _, window := range windows {
			text := strings.TrimSpace(window.text)
			if text == "" {
				continue
			}

			var pageNumber *int
			if page.Number != nil {
				n := *page.Number
				pageNumber = &n
			}

			chunks = append(chunks, domain.Chunk{
				Text:           text,
				TokenCount:     CountTokens(text),
				PageNumber:     pageNumber,
				SourceFilename: filename,
				ChunkIndex:     len(chunks),
			})
		}
	}

	return chunks
}

// splitRecursive cuts text along the separator priority list until every
// fragment fits the target budget. Whitespace-only fragments are dropped.
func (s *Splitter) splitRecursive(text string, seps []string) []fragment {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	tokens := CountTokens(text)
	if tokens <= s.TargetTokens {
		return []fragment{{text: text, tokens: tokens}}
	}

	if len(seps) == 0 {
		return s.splitRunes(text)
	}

	parts := splitAfter(text, seps[0])
	if len(parts) == 1 {
		// Separator absent; fall through to the next one.
		return s.splitRecursive(text, seps[1:])
	}

	var fragments []fragment
	for _, part := range parts {
		if CountTokens(part) > s.TargetTokens {
			fragments = append(fragments, s.splitRecursive(part, seps[1:])...)
			continue
		}
		if strings.TrimSpace(part) == "" {
			continue
		}
		fragments = append(fragments, fragment{text: part, tokens: CountTokens(part)})
	}
	return fragments
}

// splitRunes is the last resort for separator-free text: halve by runes until
// the pieces fit.
func (s *Splitter) splitRunes(text string) []fragment {
	runes := []rune(text)
	if len(runes) < 2 {
		return []fragment{{text: text, tokens: CountTokens(text)}}
	}

	mid := len(runes) / 2
	left := string(runes[:mid])
	right := string(runes[mid:])

	var fragments []fragment
	for _, half := range []string{left, right} {
		if CountTokens(half) > s.TargetTokens {
			fragments = append(fragments, s.splitRunes(half)...)
		} else if strings.TrimSpace(half) != "" {
			fragments = append(fragments, fragment{text: half, tokens: CountTokens(half)})
		}
	}
	return fragments
}

// mergeFragments packs fragments into windows of at most TargetTokens,
// seeding each next window with the previous window's trailing fragments of
// at most OverlapTokens. A window holding only carried-over overlap always
// accepts the next fragment, which bounds every chunk at
// TargetTokens + OverlapTokens.
func (s *Splitter) mergeFragments(fragments []fragment) []fragment {
	var (
		windows     []fragment
		current     []fragment
		tokens      int
		overlapOnly bool
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		var b strings.Builder
		for _, f := range current {
			b.WriteString(f.text)
		}
		windows = append(windows, fragment{text: b.String(), tokens: tokens})

		// Keep only the trailing fragments that fit the overlap budget.
		var (
			carried       []fragment
			carriedTokens int
		)
		for i := len(current) - 1; i >= 0; i-- {
			if carriedTokens+current[i].tokens > s.OverlapTokens {
				break
			}
			carried = append([]fragment{current[i]}, carried...)
			carriedTokens += current[i].tokens
		}
		current = carried
		tokens = carriedTokens
		overlapOnly = true
	}

	for _, f := range fragments {
		if tokens+f.tokens > s.TargetTokens && len(current) > 0 && !overlapOnly {
			flush()
		}
		current = append(current, f)
		tokens += f.tokens
		overlapOnly = false
	}

	if !overlapOnly && len(current) > 0 {
		var b strings.Builder
		for _, f := range current {
			b.WriteString(f.text)
		}
		windows = append(windows, fragment{text: b.String(), tokens: tokens})
	}

	return windows
}

// splitAfter splits keeping the separator attached to the preceding piece, so
// rejoining fragments reproduces the original text.
func splitAfter(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	// SplitAfter leaves a trailing empty piece when text ends with sep.
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
