package workspace

import (
	"regexp"
	"strings"
)

var wikilinkPattern = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// Wikilinks returns the distinct link targets written as [[Title]] in
// content, in order of first appearance.
func Wikilinks(content string) []string {
	matches := wikilinkPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		title := strings.TrimSpace(m[1])
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		out = append(out, title)
	}
	return out
}
