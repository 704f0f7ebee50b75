package memory

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxMessageLen = 2000

var (
	fencedCode = regexp.MustCompile("(?s)```.*?```")
	inlineCode = regexp.MustCompile("`[^`\n]+`")
)

// sanitizeMessage strips code payloads before a message is cached or fed
// to detection: fenced blocks collapse to a placeholder, inline spans to
// [code], and the result is capped so one giant paste cannot dominate the
// message log.
func sanitizeMessage(text string) string {
	text = fencedCode.ReplaceAllString(text, "[code block omitted]")
	text = inlineCode.ReplaceAllString(text, "[code]")
	text = strings.TrimSpace(text)
	if len(text) > maxMessageLen {
		// Back off to a rune boundary so the cap never splits a character.
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
