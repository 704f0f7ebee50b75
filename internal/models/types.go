package models

import "time"

// Scope is the durability/visibility boundary of a record. User-scoped
// records are shared across all projects for one user; project-scoped
// records are visible only within one project.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
)

// EntityType classifies a durable knowledge unit.
type EntityType string

const (
	// Project scope.
	EntityDecision     EntityType = "Decision"
	EntityArchitecture EntityType = "Architecture"
	EntityFileNote     EntityType = "FileNote"
	// User scope.
	EntityPreference EntityType = "Preference"
	EntityConcept    EntityType = "Concept"
	EntityHabit      EntityType = "Habit"
)

// ScopeOf returns the storage scope an entity type belongs to.
func (t EntityType) ScopeOf() Scope {
	switch t {
	case EntityPreference, EntityConcept, EntityHabit:
		return ScopeUser
	default:
		return ScopeProject
	}
}

// IsValid reports whether t is a known entity type.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityDecision, EntityArchitecture, EntityFileNote,
		EntityPreference, EntityConcept, EntityHabit:
		return true
	}
	return false
}

// Episode status values.
const (
	EpisodeActive    = "active"
	EpisodeCompleted = "completed"
)

// Entity status values. Deprecation is terminal; content is retained for audit.
const (
	EntityActive     = "active"
	EntityDeprecated = "deprecated"
)

// CandidatePending is the only status a queued candidate can hold;
// resolution removes it from the queue instead of flipping the status.
const CandidatePending = "pending"

// Candidate detection methods.
const (
	DetectionPattern = "pattern"
	DetectionKeyword = "keyword"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Episode is one bounded conversation session.
type Episode struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Tags      []string   `json:"tags"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	EntityIDs []string   `json:"entity_ids"`
	Summary   string     `json:"summary,omitempty"`
}

// Entity is a durable, typed knowledge fact.
type Entity struct {
	ID        string     `json:"id"`
	Type      EntityType `json:"type"`
	Content   string     `json:"content"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	EpisodeID string     `json:"episode_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Candidate is an unconfirmed, provisional entity produced by detection.
type Candidate struct {
	ID              string     `json:"id"`
	Type            EntityType `json:"type"`
	Content         string     `json:"extracted_content"`
	SourceSnippet   string     `json:"source_snippet"`
	Confidence      float64    `json:"confidence"`
	Status          string     `json:"status"`
	DetectionMethod string     `json:"detection_method"`
	DetectedAt      time.Time  `json:"detected_at"`
}

// Candidate resolution outcomes.
const (
	OutcomeConfirm = "confirm"
	OutcomeReject  = "reject"
)

// Message is one turn of dialogue, sanitized and length-capped before storage.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	EpisodeID string    `json:"episode_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActiveSession is the single piece of shared mutable state per project:
// the current active episode, its accumulated message buffer, and the pid
// of its session monitor. Persisted with atomic-replace semantics only.
type ActiveSession struct {
	Episode    *Episode  `json:"episode"`
	Messages   []Message `json:"messages"`
	MonitorPID int       `json:"monitor_pid,omitempty"`
}

// CloseSignal is the body of the ephemeral close-signal file. It is only
// ever written, consumed (read then delete), and never otherwise interpreted.
type CloseSignal struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
}

// RecallItem is one ranked hit returned by semantic retrieval, carrying
// enough of the underlying record for presentation.
type RecallItem struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"` // "entity" or "episode"
	Type    string  `json:"type"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
	Scope   Scope   `json:"scope"`
}

// RecallResult is the merged output of a recall query.
type RecallResult struct {
	Episodes []RecallItem `json:"episodes"`
	Entities []RecallItem `json:"entities"`
}

// Stats summarizes the state of both stores and the encoder.
type Stats struct {
	ProjectCount   int                `json:"project_count"`
	UserCount      int                `json:"user_count"`
	CurrentEpisode string             `json:"current_episode,omitempty"`
	MessageCount   int                `json:"message_count"`
	PendingTotal   int                `json:"pending_total"`
	PendingByType  map[EntityType]int `json:"pending_by_type,omitempty"`
	EncoderState   string             `json:"encoder_state"`
}
