package books

import "strings"

// NormalizeTitle produces the form titles are compared by: lowercased,
// trimmed, inner whitespace collapsed to single spaces. Stored alongside the
// display title so duplicate checks and prefix lookups hit an index.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
