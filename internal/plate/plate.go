package plate

import (
	"errors"
	"strings"
	"unicode"
)

// ErrEmptyPlate is returned when a plate contains no alphanumeric characters.
var ErrEmptyPlate = errors.New("plate is empty after normalization")

// Normalize canonicalizes raw plate text into a comparable key: uppercase,
// alphanumeric characters only. Every lookup and ingestion path must go
// through this single implementation so that keys never drift between call
// sites.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}

	normalized := b.String()
	if normalized == "" {
		return "", ErrEmptyPlate
	}

	return normalized, nil
}
