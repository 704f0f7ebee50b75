package memory

import (
	"fmt"
	"strings"

	"github.com/chenxiaofie/memory-mcp/internal/models"
)

// BuildSummary produces a deterministic episode summary from the cached
// transcript. No model involved: the summary is for recall ranking and
// human scanning, and it must work even when the episode closes because
// the session died.
func BuildSummary(ep *models.Episode, msgs []models.Message, reason string) string {
	var userCount, assistantCount int
	var topics []string
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			userCount++
			if len(topics) < 5 {
				if t := firstLine(m.Content); t != "" {
					topics = append(topics, t)
				}
			}
		case models.RoleAssistant:
			assistantCount++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d user / %d assistant messages", ep.Title, userCount, assistantCount)
	if reason != "" {
		fmt.Fprintf(&b, ", closed: %s", reason)
	}
	b.WriteString(")")
	if len(topics) > 0 {
		b.WriteString(". Topics: ")
		b.WriteString(strings.Join(topics, "; "))
	}
	if n := len(ep.EntityIDs); n > 0 {
		fmt.Fprintf(&b, ". %d entities captured", n)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
