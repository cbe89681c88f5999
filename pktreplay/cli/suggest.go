package cli

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxSuggestionDistance is the max edit distance for "did you mean" suggestions
const maxSuggestionDistance = 3

// Suggest returns the candidate closest to input, or "" if none is within
// maxSuggestionDistance. Matching ignores case.
func Suggest(input string, candidates []string) string {
	input = strings.ToLower(input)
	var best string
	bestDist := maxSuggestionDistance + 1
	for _, c := range candidates {
		if dist := levenshtein.ComputeDistance(input, strings.ToLower(c)); dist < bestDist {
			bestDist = dist
			best = c
		}
	}
	return best
}

// UnknownCommandError reports an unknown command or subcommand. prefix names
// the parent command and may be empty for the root.
func UnknownCommandError(prefix, unknown string, valid []string) error {
	kind := "command"
	if prefix != "" {
		kind = prefix + " subcommand"
	}
	if best := Suggest(unknown, valid); best != "" {
		return fmt.Errorf("unknown %s: %s (did you mean %q?)", kind, unknown, best)
	}
	return fmt.Errorf("unknown %s: %s (valid: %s)", kind, unknown, strings.Join(valid, ", "))
}

// InvalidValueError reports a flag value outside the allowed set.
func InvalidValueError(flag, value string, valid []string) error {
	if best := Suggest(value, valid); best != "" {
		return fmt.Errorf("invalid --%s value %q (did you mean %q?)", flag, value, best)
	}
	return fmt.Errorf("invalid --%s value %q: must be one of %s", flag, value, strings.Join(valid, ", "))
}
