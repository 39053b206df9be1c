package cairn

import (
	"strings"
	"unicode"
)

// FallbackSlug is used when a title normalizes to nothing.
const FallbackSlug = "untitled"

// Slugify converts a human-readable title into a lowercase, path-safe
// name: letters and digits pass through lowercased, runs of anything
// else collapse to single dashes, leading and trailing dashes drop.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash

	for _, r := range title {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return FallbackSlug
	}
	return slug
}
