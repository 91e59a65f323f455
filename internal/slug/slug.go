// Package slug normalizes free-form identifiers into names that are safe for
// git refs and filesystem paths.
package slug

import "strings"

// Slugify converts the provided text to a lowercase ASCII slug with hyphens.
func Slugify(text string) string {
	return collapse(strings.ToLower(strings.TrimSpace(text)), func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
	})
}

// RefComponent sanitizes a task id for use inside a branch name and a
// directory name. Case, dots and underscores are kept; every other run of
// characters collapses into a single hyphen.
func RefComponent(text string) string {
	clean := collapse(strings.TrimSpace(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return true
		case r == '.' || r == '_':
			return true
		}
		return false
	})
	for strings.Contains(clean, "..") {
		clean = strings.ReplaceAll(clean, "..", ".")
	}
	clean = strings.TrimSuffix(clean, ".lock")
	return strings.Trim(clean, "-.")
}

// collapse keeps runes accepted by keep and folds everything else into hyphens.
func collapse(text string, keep func(rune) bool) string {
	if text == "" {
		return ""
	}

	var builder strings.Builder
	builder.Grow(len(text))
	prevHyphen := false
	for _, r := range text {
		if keep(r) {
			builder.WriteRune(r)
			prevHyphen = false
			continue
		}
		if !prevHyphen {
			builder.WriteRune('-')
			prevHyphen = true
		}
	}

	return strings.Trim(builder.String(), "-")
}
