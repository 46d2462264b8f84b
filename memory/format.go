package memory

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-chat/core"
)

// FormatSimilar renders similar messages as a block for prompt injection.
// maxLength is the character budget of the block. It returns "" when there
// is nothing to show.
func FormatSimilar(similar []core.SimilarMessage, maxLength int) string {
	if len(similar) == 0 {
		return ""
	}
	if maxLength <= 0 {
		maxLength = 2000
	}

	// Split the budget evenly, keeping each entry readable.
	perMessage := max(maxLength/len(similar), 100)

	var b strings.Builder
	b.WriteString("=== RELEVANT PAST MESSAGES ===\n")
	for i, m := range similar {
		fmt.Fprintf(&b, "\n%d. [%s, %.2f] %s\n", i+1, m.Role, m.Score, truncate(m.Content, perMessage))
	}
	return b.String()
}
