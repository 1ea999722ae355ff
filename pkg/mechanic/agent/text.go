package agent

import (
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// collapseWhitespace folds any whitespace run into a single space and trims
// the ends. Stored turns and projected prompt blocks are always single-line.
func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// truncateChars cuts s to at most max characters (runes, not bytes, so a
// trailing multi-byte character is never split). max <= 0 means no cap.
func truncateChars(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// normalizeTurnText collapses whitespace then truncates.
func normalizeTurnText(s string, max int) string {
	return truncateChars(collapseWhitespace(s), max)
}

// safeMetaField sanitizes a value for embedding inside a [field] metadata
// block: the closing bracket is stripped so a crafted username or ID cannot
// terminate the block early.
func safeMetaField(s string, max int) string {
	s = strings.ReplaceAll(s, "]", "")
	return normalizeTurnText(s, max)
}
