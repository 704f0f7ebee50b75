// Package detect extracts provisional knowledge candidates from free text.
// It is a pure function of its input: no storage, no encoder, fully
// deterministic, so the confidence rules can be tested in isolation.
package detect

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chenxiaofie/memory-mcp/internal/models"
	"github.com/chenxiaofie/memory-mcp/internal/store"
)

// patternBonus is added to a rule's base confidence when a regex pattern
// (rather than a bare keyword) produced the match.
const patternBonus = 0.2

const (
	maxContentLen = 200
	maxSnippetLen = 300
)

type rule struct {
	patterns       []*regexp.Regexp
	keywords       []string
	baseConfidence float64
}

var rules = map[models.EntityType]rule{
	models.EntityDecision: {
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:we|i)(?:'ve| have)? (?:decided|chose|chosen|opted|agreed) (?:to |on |for )?(.{3,80})`),
			regexp.MustCompile(`(?i)(?:we|i) (?:should|will|are going to) (?:use|adopt|go with|switch to) (.{2,80})`),
			regexp.MustCompile(`(?i)let's (?:use|go with|adopt|stick with) (.{2,80})`),
			regexp.MustCompile(`(?i)(.{3,60}) (?:is|was) (?:the|our) (?:best|final|chosen) (?:choice|option|approach)`),
		},
		keywords:       []string{"decided", "decision", "we chose", "settled on", "going with"},
		baseConfidence: 0.7,
	},
	models.EntityArchitecture: {
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:using|based on|following) (?:a |an |the )?(.{3,60}) (?:architecture|design|pattern|structure)`),
			regexp.MustCompile(`(?i)the (?:architecture|design|structure) (?:is|uses|follows) (.{3,80})`),
			regexp.MustCompile(`(?i)(.{3,50}) (?:layered|modular|microservice|monolith)`),
		},
		keywords:       []string{"architecture", "design pattern", "layered", "module boundary", "component structure"},
		baseConfidence: 0.7,
	},
	models.EntityPreference: {
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:i|we) (?:prefer|like|favor|would rather) (.{3,80})`),
			regexp.MustCompile(`(?i)my preference is (.{3,80})`),
		},
		keywords:       []string{"prefer", "i like", "rather use", "my favorite"},
		baseConfidence: 0.6,
	},
	models.EntityConcept: {
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(.{2,40}) (?:is defined as|means|refers to) (.{5,120})`),
			regexp.MustCompile(`(?i)what is (.{2,40})\??`),
			regexp.MustCompile(`(?i)(?:i am|i'm) (?:a |an |the )?(.{2,40})`),
			regexp.MustCompile(`(?i)my name is (.{2,30})`),
		},
		keywords:       []string{"is defined as", "means", "what is", "my name is", "i am a"},
		baseConfidence: 0.5,
	},
	models.EntityHabit: {
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:i|we) (?:usually|always|typically|tend to|habitually) (.{3,80})`),
			regexp.MustCompile(`(?i)every time (?:i|we) (.{3,80})`),
		},
		keywords:       []string{"usually", "always", "tend to", "every time", "typically"},
		baseConfidence: 0.6,
	},
	models.EntityFileNote: {
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(\S{2,60}\.(?:go|ts|js|py|rs|java|vue)) (?:handles|implements|contains|is responsible for) (.{3,80})`),
			regexp.MustCompile(`(?i)(?:in|edit|create|open) (\S{2,60}\.(?:go|ts|js|py|rs|java|vue))`),
		},
		keywords:       []string{".go handles", ".ts handles", "file is responsible"},
		baseConfidence: 0.8,
	},
}

// Detect scans text and returns zero or more typed candidates with
// confidence scores. Pattern matches score baseConfidence+patternBonus;
// keyword matches score baseConfidence and yield at most one candidate per
// type. Duplicate extracted content is suppressed.
func Detect(text string) []models.Candidate {
	var out []models.Candidate
	seen := make(map[string]bool)
	now := time.Now()

	snippet := truncate(text, maxSnippetLen)

	for typ, r := range rules {
		for _, pat := range r.patterns {
			for _, match := range pat.FindAllStringSubmatch(text, -1) {
				extracted := joinGroups(match)
				if len(extracted) <= 3 || seen[extracted] {
					continue
				}
				seen[extracted] = true
				out = append(out, models.Candidate{
					ID:              store.NewID("cand"),
					Type:            typ,
					Content:         truncate(extracted, maxContentLen),
					SourceSnippet:   snippet,
					Confidence:      r.baseConfidence + patternBonus,
					Status:          models.CandidatePending,
					DetectionMethod: models.DetectionPattern,
					DetectedAt:      now,
				})
			}
		}

		if hasType(out, typ) || !containsAny(text, r.keywords) {
			continue
		}
		for _, sentence := range splitSentences(text) {
			if len(sentence) <= 5 || !containsAny(sentence, r.keywords) || seen[sentence] {
				continue
			}
			seen[sentence] = true
			out = append(out, models.Candidate{
				ID:              store.NewID("cand"),
				Type:            typ,
				Content:         truncate(sentence, maxContentLen),
				SourceSnippet:   snippet,
				Confidence:      r.baseConfidence,
				Status:          models.CandidatePending,
				DetectionMethod: models.DetectionKeyword,
				DetectedAt:      now,
			})
			// One keyword candidate per type is enough.
			break
		}
	}
	return out
}

func joinGroups(match []string) string {
	var parts []string
	for _, g := range match[1:] {
		g = strings.TrimSpace(strings.Trim(g, ".,;:!?"))
		if g != "" {
			parts = append(parts, g)
		}
	}
	return strings.Join(parts, " ")
}

func hasType(cands []models.Candidate, typ models.EntityType) bool {
	for _, c := range cands {
		if c.Type == typ {
			return true
		}
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var sentenceSplit = regexp.MustCompile(`[.!?\n]+`)

func splitSentences(text string) []string {
	raw := sentenceSplit.Split(text, -1)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// truncate caps s at max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
