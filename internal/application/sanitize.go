package application

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxCommentLen     = 100
	maxDescriptionLen = 255
)

// maxUnescapeRounds bounds how many layers of entity encoding are peeled.
const maxUnescapeRounds = 4

var strictPolicy = bluemonday.StrictPolicy()

// stripMarkup removes tags and decodes entities until the text stops
// changing, so entity-encoded markup cannot survive as live markup. Text that
// is still changing after maxUnescapeRounds is returned sanitized but not
// decoded.
func stripMarkup(s string) string {
	for range maxUnescapeRounds {
		next := html.UnescapeString(strictPolicy.Sanitize(s))
		if next == s {
			return next
		}
		s = next
	}
	return strictPolicy.Sanitize(s)
}

// cleanText strips markup and control whitespace from user supplied text
// and truncates it to limit runes.
func cleanText(s string, limit int) string {
	s = stripMarkup(s)
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// CleanComment normalises a key comment.
func CleanComment(s string) string {
	return cleanText(s, maxCommentLen)
}

// CleanDescription normalises a key description.
func CleanDescription(s string) string {
	return cleanText(s, maxDescriptionLen)
}
