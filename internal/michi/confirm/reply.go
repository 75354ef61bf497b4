package confirm

import "strings"

// positiveWords are replies that mean "yes, proceed".
var positiveWords = []string{
	"yes", "y", "ok", "okay", "confirm", "confirmed", "proceed",
	"go ahead", "go", "do it", "continue", "sure", "yep", "yup",
	"yeah", "affirmative",
}

// negativeWords are replies that mean "no, cancel".
var negativeWords = []string{
	"no", "n", "cancel", "abort", "stop", "nope",
	"nevermind", "never mind", "forget it", "nah", "don't", "dont",
}

// IsConfirmation reads a reply as Yes, No or None. A reply matches when it
// equals a token or starts with one followed by a space or comma. Negative
// tokens are checked first, so "no, go ahead" is a No.
func IsConfirmation(text string) Decision {
	lower := normalize(text)
	if lower == "" {
		return None
	}
	if matchesAny(lower, negativeWords) {
		return No
	}
	if matchesAny(lower, positiveWords) {
		return Yes
	}
	return None
}

func normalize(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	lower = strings.TrimRight(lower, ".!? ")
	return strings.Join(strings.Fields(lower), " ")
}

func matchesAny(lower string, words []string) bool {
	for _, w := range words {
		if lower == w || strings.HasPrefix(lower, w+" ") || strings.HasPrefix(lower, w+",") {
			return true
		}
	}
	return false
}
