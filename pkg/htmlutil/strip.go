package htmlutil

import (
	"regexp"
	"strings"
)

// tagPattern matches markup tags including self-closing tags.
var tagPattern = regexp.MustCompile(`<[^>]*>`)

// multipleSpacesPattern matches runs of whitespace within a line.
var multipleSpacesPattern = regexp.MustCompile(`[ \t]{2,}`)

// blockTags are closers that end a visual block in either the HTML found in
// EPUB descriptions or the FictionBook markup found in FB2 annotations.
var blockTags = []string{
	"</p>", "</div>", "<br>", "<br/>", "<br />", "</li>",
	"</h1>", "</h2>", "</h3>", "</h4>", "</h5>", "</h6>",
	"</subtitle>", "</v>", "</stanza>", "</text-author>",
	"<empty-line/>", "<empty-line />",
}

// StripTags flattens annotation markup to plain text. Block-level tags become
// newlines so paragraph structure survives, everything else is dropped, and
// whitespace is normalized line by line.
func StripTags(markup string) string {
	if markup == "" {
		return ""
	}

	result := markup
	for _, tag := range blockTags {
		result = strings.ReplaceAll(result, tag, "\n")
		result = strings.ReplaceAll(result, strings.ToUpper(tag), "\n")
	}

	result = tagPattern.ReplaceAllString(result, "")
	result = decodeEntities(result)

	lines := strings.Split(result, "\n")
	nonEmpty := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(multipleSpacesPattern.ReplaceAllString(line, " "))
		if line != "" {
			nonEmpty = append(nonEmpty, line)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

// entityReplacer covers the entities that actually show up in book metadata.
// Annotations come out of XML parsers, so the predefined five matter most;
// the typographic ones appear in EPUBs produced by word processors.
var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", "\"",
	"&#39;", "'",
	"&apos;", "'",
	"&mdash;", "—",
	"&ndash;", "–",
	"&hellip;", "…",
	"&laquo;", "«",
	"&raquo;", "»",
	"&copy;", "©",
)

func decodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	// &amp; goes last so that double-escaped text decodes one level only.
	return strings.ReplaceAll(entityReplacer.Replace(s), "&amp;", "&")
}
