package sanitize

import (
	"html"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// StrictPolicy removes all HTML tags and attributes. Scraped listings carry
// stray markup in names and descriptions that must never reach a natural key.
var StrictPolicy = bluemonday.StrictPolicy()

// Text strips markup, decodes entities and collapses runs of whitespace.
// bluemonday escapes '&' and quotes; unescaping keeps "Studio & Gallery"
// stable across loads.
func Text(input string) string {
	if input == "" {
		return ""
	}
	stripped := html.UnescapeString(StrictPolicy.Sanitize(input))
	return strings.Join(strings.Fields(stripped), " ")
}

// Paragraphs is Text for long-form descriptions; line breaks survive.
func Paragraphs(input string) string {
	if input == "" {
		return ""
	}
	stripped := html.UnescapeString(StrictPolicy.Sanitize(input))
	lines := strings.Split(stripped, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Names sanitizes, drops empties and de-duplicates case-insensitively,
// keeping the first spelling seen. The result is sorted.
func Names(inputs []string) []string {
	if len(inputs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(inputs))
	result := make([]string, 0, len(inputs))
	for _, input := range inputs {
		name := Text(input)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, name)
	}
	if len(result) == 0 {
		return nil
	}
	sort.Strings(result)
	return result
}
