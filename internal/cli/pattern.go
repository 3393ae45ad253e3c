// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path"
	"strings"

	"github.com/pher-lab/knot/pkg/vault"
)

// ExpandTagPattern expands a glob pattern against the known tags.
// If the pattern contains glob characters (*?[), it performs glob matching
// with "/" as the hierarchy separator. Otherwise, it performs exact matching.
// Both ignore case; the stored spelling of each tag is returned.
func ExpandTagPattern(pattern string, tags []string) ([]string, error) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		for _, tag := range tags {
			if strings.ToLower(tag) == pattern {
				return []string{tag}, nil
			}
		}
		return nil, fmt.Errorf("tag '%s' not found", pattern)
	}

	var matches []string
	for _, tag := range tags {
		matched, err := path.Match(pattern, strings.ToLower(tag))
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, tag)
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("no tags match pattern '%s'", pattern)
	}

	return matches, nil
}

// ExpandTagPatterns expands multiple patterns against the known tags.
// Returns unique matching tags preserving order of first match.
func ExpandTagPatterns(patterns []string, tags []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := ExpandTagPattern(pattern, tags)
		if err != nil {
			return nil, err
		}
		for _, tag := range matches {
			if !seen[tag] {
				seen[tag] = true
				result = append(result, tag)
			}
		}
	}

	return result, nil
}

// FilterByTags keeps the notes carrying at least one tag matched by
// patterns. No patterns keeps every note.
func FilterByTags(notes []vault.NoteSummary, patterns []string, tags []string) ([]vault.NoteSummary, error) {
	if len(patterns) == 0 {
		return notes, nil
	}
	wanted, err := ExpandTagPatterns(patterns, tags)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(wanted))
	for _, tag := range wanted {
		set[tag] = true
	}

	var out []vault.NoteSummary
	for _, n := range notes {
		for _, tag := range n.Tags {
			if set[tag] {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}
