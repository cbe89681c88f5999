package cliutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Printable renders payload bytes as a single line of ASCII, replacing
// control and non-ASCII bytes with '.', truncated to limit bytes.
func Printable(data []byte, limit int) string {
	truncated := limit > 0 && len(data) > limit
	if truncated {
		data = data[:limit]
	}

	var sb strings.Builder
	sb.Grow(len(data) + 3)
	for _, b := range data {
		if b >= 0x20 && b < 0x7f {
			sb.WriteByte(b)
		} else {
			sb.WriteByte('.')
		}
	}
	if truncated {
		sb.WriteString("...")
	}
	return sb.String()
}

// ShortID returns the first 8 characters of id for table display.
func ShortID(id uuid.UUID) string {
	return id.String()[:8]
}

// MatchID resolves a full id or unique prefix against candidates.
func MatchID(input string, candidates []uuid.UUID) (uuid.UUID, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return uuid.Nil, errors.New("id required")
	}
	if id, err := uuid.Parse(input); err == nil {
		for _, c := range candidates {
			if c == id {
				return id, nil
			}
		}
		return uuid.Nil, fmt.Errorf("no entry with id %s", input)
	}

	var match uuid.UUID
	var count int
	for _, c := range candidates {
		if strings.HasPrefix(c.String(), input) {
			match = c
			count++
		}
	}
	switch count {
	case 0:
		return uuid.Nil, fmt.Errorf("no entry with id prefix %q", input)
	case 1:
		return match, nil
	default:
		return uuid.Nil, fmt.Errorf("id prefix %q is ambiguous (%d matches)", input, count)
	}
}
