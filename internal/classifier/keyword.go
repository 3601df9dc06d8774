package classifier

import (
	"context"
	"strings"

	"github.com/moeryomenko/bumpguard/internal/models"
)

// Keyword blames the updated package whose name appears most often in the
// failure output. Packages already rolled back rank last, then more
// disruptive updates win ties.
type Keyword struct{}

// Classify implements FailureClassifier.
func (Keyword) Classify(_ context.Context, output string, batch *models.UpdateBatch) (string, error) {
	lower := strings.ToLower(output)

	best, bestHits := None, 0
	bestReverted := true
	for _, u := range batch.Ordered() {
		hits := countMentions(lower, strings.ToLower(u.Name))
		if hits == 0 {
			continue
		}
		reverted := batch.IsReverted(u.Name)
		switch {
		case best == None,
			bestReverted && !reverted,
			bestReverted == reverted && hits > bestHits:
			best, bestHits, bestReverted = u.Name, hits, reverted
		}
	}
	return best, nil
}

// countMentions counts occurrences of name not embedded in a longer
// identifier, so "react" does not match "react-dom".
func countMentions(haystack, name string) int {
	if name == "" {
		return 0
	}
	count := 0
	for from := 0; ; {
		i := strings.Index(haystack[from:], name)
		if i < 0 {
			return count
		}
		start := from + i
		end := start + len(name)
		if (start == 0 || !identByte(haystack[start-1])) && (end == len(haystack) || !identByte(haystack[end])) {
			count++
		}
		from = start + 1
	}
}

func identByte(c byte) bool {
	return c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
