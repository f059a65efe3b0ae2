// Package chunk provides the token-aware recursive splitter that turns
// extracted pages into embedding-sized chunks, and the deterministic
// tokenizer shared with the prompt builder.
package chunk

import (
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
)

// CountTokens counts UAX#29 word segments containing at least one letter or
// digit, skipping whitespace and bare punctuation. It is deterministic and
// locale-independent, which keeps chunk sizes and prompt budgets stable
// across processes.
func CountTokens(text string) int {
	count := 0
	tokens := words.FromString(text)
	for tokens.Next() {
		if hasAlphaNum(tokens.Value()) {
			count++
		}
	}
	return count
}

func hasAlphaNum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
