// Package store provides durable, crash-safe persistence for episodes,
// entities, candidates, messages, and the active-session record, across the
// user-wide and project-local scopes.
//
// All shared record files use atomic-replace writes (temp file + rename); the
// message log is append-only JSONL. No long-lived locks are held: invocation
// processes are short-lived and must never block on one another.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/chenxiaofie/memory-mcp/internal/models"
)

const (
	sessionFile     = "active_episode.json"
	pendingFile     = "pending_entities.json"
	messagesFile    = "message_cache.jsonl"
	episodesFile    = "episodes.json"
	entitiesFile    = "entities.json"
	closeSignalFile = ".close_signal"
)

// Store is the sole durable owner of all memory records for one project plus
// the user-wide scope.
type Store struct {
	projectDir string
	userDir    string
}

// New creates both scope roots if needed and returns a store over them.
func New(projectDir, userDir string) (*Store, error) {
	for _, dir := range []string{projectDir, userDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir %s: %w", dir, err)
		}
	}
	return &Store{projectDir: projectDir, userDir: userDir}, nil
}

// ProjectDir returns the project-scope root.
func (s *Store) ProjectDir() string { return s.projectDir }

// UserDir returns the user-scope root.
func (s *Store) UserDir() string { return s.userDir }

func (s *Store) scopeDir(scope models.Scope) string {
	if scope == models.ScopeUser {
		return s.userDir
	}
	return s.projectDir
}

// ---- active-session record ----

// LoadSession reads the active-session record. A missing file yields an
// empty session, not an error.
func (s *Store) LoadSession() (*models.ActiveSession, error) {
	var sess models.ActiveSession
	err := readJSON(filepath.Join(s.projectDir, sessionFile), &sess)
	if errors.Is(err, os.ErrNotExist) {
		return &models.ActiveSession{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession replaces the active-session record atomically.
func (s *Store) SaveSession(sess *models.ActiveSession) error {
	return writeJSONAtomic(filepath.Join(s.projectDir, sessionFile), sess)
}

// SetMonitorPID records (or clears, with 0) the session monitor's pid.
func (s *Store) SetMonitorPID(pid int) error {
	sess, err := s.LoadSession()
	if err != nil {
		return err
	}
	sess.MonitorPID = pid
	return s.SaveSession(sess)
}

// ---- episodes ----

// CreateEpisode opens a new episode and persists it as the active session.
// Fails with ErrEpisodeAlreadyActive if one is already open.
func (s *Store) CreateEpisode(title string, tags []string) (*models.Episode, error) {
	sess, err := s.LoadSession()
	if err != nil {
		return nil, err
	}
	if sess.Episode != nil && sess.Episode.Status == models.EpisodeActive {
		return nil, fmt.Errorf("%w: %s", models.ErrEpisodeAlreadyActive, sess.Episode.ID)
	}

	ep := &models.Episode{
		ID:        NewID("ep"),
		Title:     title,
		Tags:      tags,
		Status:    models.EpisodeActive,
		CreatedAt: time.Now(),
		EntityIDs: []string{},
	}
	sess.Episode = ep
	sess.Messages = []models.Message{}
	if err := s.SaveSession(sess); err != nil {
		return nil, err
	}
	return ep, nil
}

// GetActiveEpisode returns the active episode, or nil if none is open.
func (s *Store) GetActiveEpisode() (*models.Episode, error) {
	sess, err := s.LoadSession()
	if err != nil {
		return nil, err
	}
	if sess.Episode == nil || sess.Episode.Status != models.EpisodeActive {
		return nil, nil
	}
	return sess.Episode, nil
}

// CloseEpisode transitions the active episode to completed, archives it to
// the episode catalog, and clears the session record (monitor pid kept).
// The transition happens at most once: a second call fails with
// ErrAlreadyClosed and leaves state untouched.
func (s *Store) CloseEpisode(episodeID, summary string) (*models.Episode, error) {
	sess, err := s.LoadSession()
	if err != nil {
		return nil, err
	}
	if sess.Episode == nil || sess.Episode.ID != episodeID {
		if ep, err := s.GetEpisode(episodeID); err == nil && ep.Status == models.EpisodeCompleted {
			return nil, fmt.Errorf("%w: %s", models.ErrAlreadyClosed, episodeID)
		}
		return nil, fmt.Errorf("%w: episode %s", models.ErrNotFound, episodeID)
	}

	now := time.Now()
	ep := *sess.Episode
	ep.Status = models.EpisodeCompleted
	ep.ClosedAt = &now
	ep.Summary = summary

	episodes, err := s.loadEpisodes()
	if err != nil {
		return nil, err
	}
	episodes = append(episodes, ep)
	if err := writeJSONAtomic(filepath.Join(s.projectDir, episodesFile), episodes); err != nil {
		return nil, err
	}

	sess.Episode = nil
	sess.Messages = nil
	if err := s.SaveSession(sess); err != nil {
		return nil, err
	}
	return &ep, nil
}

// DiscardActiveEpisode drops the active episode without archiving it. The
// message log keeps whatever was appended; only the session record is reset.
func (s *Store) DiscardActiveEpisode() error {
	sess, err := s.LoadSession()
	if err != nil {
		return err
	}
	sess.Episode = nil
	sess.Messages = nil
	return s.SaveSession(sess)
}

// GetEpisode looks up a completed episode by id.
func (s *Store) GetEpisode(id string) (*models.Episode, error) {
	episodes, err := s.loadEpisodes()
	if err != nil {
		return nil, err
	}
	for i := range episodes {
		if episodes[i].ID == id {
			return &episodes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: episode %s", models.ErrNotFound, id)
}

// ListEpisodesByTime returns completed episodes in pure chronological order,
// newest first. No ranking, no encoder involvement.
func (s *Store) ListEpisodesByTime(limit int) ([]models.Episode, error) {
	episodes, err := s.loadEpisodes()
	if err != nil {
		return nil, err
	}
	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].CreatedAt.After(episodes[j].CreatedAt)
	})
	if limit > 0 && len(episodes) > limit {
		episodes = episodes[:limit]
	}
	return episodes, nil
}

func (s *Store) loadEpisodes() ([]models.Episode, error) {
	var episodes []models.Episode
	err := readJSON(filepath.Join(s.projectDir, episodesFile), &episodes)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return episodes, nil
}

// AttachEntity links an entity id to the active episode, if any.
func (s *Store) AttachEntity(entityID string) error {
	sess, err := s.LoadSession()
	if err != nil {
		return err
	}
	if sess.Episode == nil {
		return nil
	}
	sess.Episode.EntityIDs = append(sess.Episode.EntityIDs, entityID)
	return s.SaveSession(sess)
}

// ---- entities ----

// PutEntity appends an entity to its scope's catalog.
func (s *Store) PutEntity(e models.Entity) error {
	scope := e.Type.ScopeOf()
	entities, err := s.loadEntities(scope)
	if err != nil {
		return err
	}
	entities = append(entities, e)
	return writeJSONAtomic(filepath.Join(s.scopeDir(scope), entitiesFile), entities)
}

// GetEntity looks an entity up in the project catalog first, then the user
// catalog, mirroring how ids are resolved without a scope in hand.
func (s *Store) GetEntity(id string) (*models.Entity, models.Scope, error) {
	for _, scope := range []models.Scope{models.ScopeProject, models.ScopeUser} {
		entities, err := s.loadEntities(scope)
		if err != nil {
			return nil, "", err
		}
		for i := range entities {
			if entities[i].ID == id {
				return &entities[i], scope, nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: entity %s", models.ErrNotFound, id)
}

// ListEntities returns entities in one scope, optionally filtered by type.
// Deprecated entities are included only when includeDeprecated is set.
func (s *Store) ListEntities(scope models.Scope, typ models.EntityType, includeDeprecated bool) ([]models.Entity, error) {
	entities, err := s.loadEntities(scope)
	if err != nil {
		return nil, err
	}
	var out []models.Entity
	for _, e := range entities {
		if typ != "" && e.Type != typ {
			continue
		}
		if !includeDeprecated && e.Status != models.EntityActive {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// DeprecateEntity marks an entity deprecated, recording reason when one
// is given. The record is rewritten in place, never appended. Terminal
// and irreversible; a no-op if already deprecated, ErrNotFound if absent.
func (s *Store) DeprecateEntity(id, reason string) (*models.Entity, error) {
	for _, scope := range []models.Scope{models.ScopeProject, models.ScopeUser} {
		entities, err := s.loadEntities(scope)
		if err != nil {
			return nil, err
		}
		for i := range entities {
			if entities[i].ID != id {
				continue
			}
			if entities[i].Status == models.EntityDeprecated {
				return &entities[i], nil
			}
			entities[i].Status = models.EntityDeprecated
			if reason != "" {
				entities[i].Reason = reason
			}
			if err := writeJSONAtomic(filepath.Join(s.scopeDir(scope), entitiesFile), entities); err != nil {
				return nil, err
			}
			return &entities[i], nil
		}
	}
	return nil, fmt.Errorf("%w: entity %s", models.ErrNotFound, id)
}

// CountEntities returns the catalog size for a scope, deprecated included.
func (s *Store) CountEntities(scope models.Scope) (int, error) {
	entities, err := s.loadEntities(scope)
	if err != nil {
		return 0, err
	}
	return len(entities), nil
}

func (s *Store) loadEntities(scope models.Scope) ([]models.Entity, error) {
	var entities []models.Entity
	err := readJSON(filepath.Join(s.scopeDir(scope), entitiesFile), &entities)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// ---- candidates ----

// PutCandidates appends candidates to the pending queue.
func (s *Store) PutCandidates(cands ...models.Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	pending, err := s.ListPending()
	if err != nil {
		return err
	}
	pending = append(pending, cands...)
	return s.savePending(pending)
}

// ListPending returns the pending-candidate queue in detection order.
func (s *Store) ListPending() ([]models.Candidate, error) {
	var pending []models.Candidate
	err := readJSON(filepath.Join(s.projectDir, pendingFile), &pending)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// ResolveCandidate removes a candidate from the pending queue. Exactly one
// resolution per candidate: a second attempt fails with ErrAlreadyResolved.
func (s *Store) ResolveCandidate(id string) (*models.Candidate, error) {
	pending, err := s.ListPending()
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if pending[i].ID != id {
			continue
		}
		resolved := pending[i]
		pending = append(pending[:i], pending[i+1:]...)
		if err := s.savePending(pending); err != nil {
			return nil, err
		}
		return &resolved, nil
	}
	return nil, fmt.Errorf("%w: candidate %s", models.ErrAlreadyResolved, id)
}

// PruneCandidates drops pending candidates older than the cutoff.
func (s *Store) PruneCandidates(olderThan time.Duration) (int, error) {
	pending, err := s.ListPending()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	kept := pending[:0]
	removed := 0
	for _, c := range pending {
		if c.DetectedAt.After(cutoff) {
			kept = append(kept, c)
		} else {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.savePending(kept)
}

func (s *Store) savePending(pending []models.Candidate) error {
	if pending == nil {
		pending = []models.Candidate{}
	}
	return writeJSONAtomic(filepath.Join(s.projectDir, pendingFile), pending)
}

// ---- close signal ----

// WriteCloseSignal drops the close-signal marker atomically.
func (s *Store) WriteCloseSignal(reason string) error {
	sig := models.CloseSignal{
		Reason:    reason,
		Timestamp: time.Now(),
		PID:       os.Getpid(),
	}
	return writeJSONAtomic(filepath.Join(s.projectDir, closeSignalFile), sig)
}

// ConsumeCloseSignal checks for the close-signal marker and, if present,
// reads and deletes it. Absence is (nil, nil). A signal that fails to decode
// is still consumed so it cannot wedge the monitor loop.
func (s *Store) ConsumeCloseSignal() (*models.CloseSignal, error) {
	path := filepath.Join(s.projectDir, closeSignalFile)
	var sig models.CloseSignal
	err := readJSON(path, &sig)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return nil, fmt.Errorf("remove close signal: %w", removeErr)
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}
