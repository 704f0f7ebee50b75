// Package memory implements the policy layer over the stores and the
// encoder: episode lifecycle with orphan recovery, message caching with
// candidate detection, entity promotion, and semantic recall.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/chenxiaofie/memory-mcp/internal/config"
	"github.com/chenxiaofie/memory-mcp/internal/detect"
	"github.com/chenxiaofie/memory-mcp/internal/encoder"
	"github.com/chenxiaofie/memory-mcp/internal/models"
	"github.com/chenxiaofie/memory-mcp/internal/store"
	"github.com/chenxiaofie/memory-mcp/internal/vectorstore"
)

// Encoder is the slice of the encoder client the manager needs. Tests
// substitute a local embedder behind this.
type Encoder interface {
	Status() encoder.State
	Start()
	WaitReady(timeout time.Duration) error
	Encode(text string) ([]float32, error)
}

// Manager coordinates the durable stores, the two vector indexes and the
// shared encoder. It holds no mutable state of its own: every operation
// reloads from disk, so concurrent short-lived processes see each other's
// writes.
type Manager struct {
	store      *store.Store
	projectIdx *vectorstore.Index
	userIdx    *vectorstore.Index
	enc        Encoder
	cfg        *config.Config
	logger     *slog.Logger
}

// New assembles a manager from already-opened components.
func New(st *store.Store, projectIdx, userIdx *vectorstore.Index, enc Encoder, cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{store: st, projectIdx: projectIdx, userIdx: userIdx, enc: enc, cfg: cfg, logger: logger}
}

// Open builds a manager over the configured directories, opening the file
// store and both vector indexes.
func Open(cfg *config.Config, enc Encoder, logger *slog.Logger) (*Manager, error) {
	st, err := store.New(cfg.ProjectDir, cfg.UserDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	projectIdx, err := vectorstore.Open(filepath.Join(cfg.ProjectDir, "project_db"), "project_memory")
	if err != nil {
		return nil, fmt.Errorf("open project index: %w", err)
	}
	userIdx, err := vectorstore.Open(filepath.Join(cfg.UserDir, "user_db"), "user_memory")
	if err != nil {
		return nil, fmt.Errorf("open user index: %w", err)
	}
	return New(st, projectIdx, userIdx, enc, cfg, logger), nil
}

// Store exposes the underlying file store for callers that need raw
// session state, like the monitor.
func (m *Manager) Store() *store.Store { return m.store }

// StartEpisode opens a new active episode. If a previous process left an
// orphan behind, it is recovered first: a fresh orphan still wins
// (exactly one active episode per project), an empty stale one is
// discarded, and a stale one with content is closed if the encoder can
// serve, otherwise discarded with its messages left in the log.
func (m *Manager) StartEpisode(ctx context.Context, title string, tags []string) (*models.Episode, error) {
	active, err := m.store.GetActiveEpisode()
	if err != nil {
		return nil, err
	}
	if active != nil {
		age := time.Since(active.CreatedAt)
		if age < m.cfg.StaleEpisodeAge {
			return nil, fmt.Errorf("%w: %s started %s ago", models.ErrEpisodeAlreadyActive, active.ID, age.Round(time.Second))
		}
		if err := m.recoverOrphan(ctx, active); err != nil {
			return nil, fmt.Errorf("recover orphan %s: %w", active.ID, err)
		}
	}
	return m.store.CreateEpisode(title, tags)
}

func (m *Manager) recoverOrphan(ctx context.Context, ep *models.Episode) error {
	msgs, err := m.store.MessagesForEpisode(ep.ID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		m.logger.Info("discarding empty orphaned episode", "episode", ep.ID)
		return m.store.DiscardActiveEpisode()
	}
	if m.enc.Status() == encoder.StateReady {
		m.logger.Info("closing orphaned episode", "episode", ep.ID, "messages", len(msgs))
		return m.CloseEpisode(ctx, ep.ID, "orphaned")
	}
	// No encoder: drop the record, keep the messages in the log.
	m.logger.Warn("discarding orphaned episode, encoder not ready", "episode", ep.ID)
	return m.store.DiscardActiveEpisode()
}

// CloseEpisode closes an episode exactly once: it builds the summary from
// the cached transcript, embeds it, indexes it, and moves the episode to
// the completed catalog. Closing requires the encoder; if it cannot serve,
// nothing is mutated and the episode stays active. episodeID may be empty
// to mean the current active episode.
func (m *Manager) CloseEpisode(ctx context.Context, episodeID, reason string) error {
	active, err := m.store.GetActiveEpisode()
	if err != nil {
		return err
	}
	if episodeID == "" {
		if active == nil {
			return models.ErrNotFound
		}
		episodeID = active.ID
	}
	if active == nil || active.ID != episodeID {
		// Closed already, or never existed.
		if ep, err := m.store.GetEpisode(episodeID); err == nil && ep.Status == models.EpisodeCompleted {
			return models.ErrAlreadyClosed
		}
		return models.ErrNotFound
	}

	msgs, err := m.store.MessagesForEpisode(episodeID)
	if err != nil {
		return err
	}
	summary := BuildSummary(active, msgs, reason)

	vec, err := m.enc.Encode(summary)
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}

	closed, err := m.store.CloseEpisode(episodeID, summary)
	if err != nil {
		return err
	}

	meta := map[string]string{
		vectorstore.MetaRecord:    "episode",
		vectorstore.MetaStatus:    models.EpisodeCompleted,
		vectorstore.MetaCreatedAt: closed.CreatedAt.Format(time.RFC3339),
	}
	if err := m.projectIdx.Put(ctx, closed.ID, summary, vec, meta); err != nil {
		// Catalog write already landed; the episode is closed either way.
		m.logger.Warn("episode closed but not indexed", "episode", closed.ID, "error", err)
	}
	m.logger.Info("episode closed", "episode", closed.ID, "reason", reason, "messages", len(msgs))
	return nil
}

// CacheMessage sanitizes and appends one message to the durable log and
// the session buffer. User messages additionally run candidate detection:
// high-confidence candidates are promoted to entities immediately, the
// rest join the pending queue. Returns the stored message and any
// candidates that went to the queue.
func (m *Manager) CacheMessage(ctx context.Context, role, content string) (*models.Message, []models.Candidate, error) {
	clean := sanitizeMessage(content)
	if clean == "" {
		return nil, nil, nil
	}

	active, err := m.store.GetActiveEpisode()
	if err != nil {
		return nil, nil, err
	}
	msg := models.Message{
		ID:        store.NewID("msg"),
		Role:      role,
		Content:   clean,
		Timestamp: time.Now(),
	}
	if active != nil {
		msg.EpisodeID = active.ID
	}
	if err := m.store.AppendMessage(msg); err != nil {
		return nil, nil, err
	}

	if role != models.RoleUser {
		return &msg, nil, nil
	}

	var pending []models.Candidate
	for _, cand := range detect.Detect(clean) {
		if cand.Confidence >= m.cfg.Detection.AutoConfirmThreshold {
			if _, err := m.AddEntity(ctx, cand.Type, cand.Content, "auto-detected: "+cand.SourceSnippet); err != nil {
				m.logger.Warn("auto-promotion failed", "candidate", cand.ID, "error", err)
			}
			continue
		}
		pending = append(pending, cand)
	}
	if len(pending) > 0 {
		if err := m.store.PutCandidates(pending...); err != nil {
			return &msg, nil, err
		}
	}
	return &msg, pending, nil
}

// AddEntity stores a confirmed entity in the scope its type dictates,
// links it to the active episode when project-scoped, and indexes it if
// the encoder can serve. Indexing failures degrade: the catalog is the
// source of truth and the entity remains findable by type.
func (m *Manager) AddEntity(ctx context.Context, typ models.EntityType, content, reason string) (*models.Entity, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
	if content == "" {
		return nil, errors.New("empty entity content")
	}

	e := models.Entity{
		ID:        store.NewID("ent"),
		Type:      typ,
		Content:   content,
		Status:    models.EntityActive,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if typ.ScopeOf() == models.ScopeProject {
		if active, err := m.store.GetActiveEpisode(); err == nil && active != nil {
			e.EpisodeID = active.ID
		}
	}
	if err := m.store.PutEntity(e); err != nil {
		return nil, err
	}
	if e.EpisodeID != "" {
		if err := m.store.AttachEntity(e.ID); err != nil {
			m.logger.Warn("entity not linked to episode", "entity", e.ID, "error", err)
		}
	}
	m.indexEntity(ctx, &e)
	return &e, nil
}

func (m *Manager) indexEntity(ctx context.Context, e *models.Entity) {
	vec, err := m.enc.Encode(e.Content)
	if err != nil {
		m.logger.Warn("entity stored but not indexed", "entity", e.ID, "error", err)
		return
	}
	meta := map[string]string{
		vectorstore.MetaRecord:    "entity",
		vectorstore.MetaType:      string(e.Type),
		vectorstore.MetaStatus:    e.Status,
		vectorstore.MetaCreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
	if e.EpisodeID != "" {
		meta[vectorstore.MetaEpisodeID] = e.EpisodeID
	}
	if err := m.indexFor(e.Type).Put(ctx, e.ID, e.Content, vec, meta); err != nil {
		m.logger.Warn("entity stored but not indexed", "entity", e.ID, "error", err)
	}
}

func (m *Manager) indexFor(typ models.EntityType) *vectorstore.Index {
	if typ.ScopeOf() == models.ScopeUser {
		return m.userIdx
	}
	return m.projectIdx
}

// ConfirmCandidate promotes a pending candidate to an entity and removes
// it from the queue.
func (m *Manager) ConfirmCandidate(ctx context.Context, candidateID string) (*models.Entity, error) {
	cand, err := m.store.ResolveCandidate(candidateID)
	if err != nil {
		return nil, err
	}
	e, err := m.AddEntity(ctx, cand.Type, cand.Content, "confirmed from: "+cand.SourceSnippet)
	if err != nil {
		// Resolution already consumed the candidate; surface both facts.
		return nil, fmt.Errorf("candidate %s removed but promotion failed: %w", candidateID, err)
	}
	return e, nil
}

// RejectCandidate removes a pending candidate without creating anything.
func (m *Manager) RejectCandidate(candidateID string) error {
	_, err := m.store.ResolveCandidate(candidateID)
	return err
}

// PendingCandidates lists the queue, newest first.
func (m *Manager) PendingCandidates() ([]models.Candidate, error) {
	return m.store.ListPending()
}

// DeprecateEntity marks an entity deprecated in the catalog and, best
// effort, in its index so recall stops surfacing it.
func (m *Manager) DeprecateEntity(ctx context.Context, entityID, reason string) (*models.Entity, error) {
	e, err := m.store.DeprecateEntity(entityID, reason)
	if err != nil {
		return nil, err
	}
	err = m.indexFor(e.Type).SetMetadata(ctx, e.ID, map[string]string{
		vectorstore.MetaStatus: models.EntityDeprecated,
	})
	if err != nil {
		m.logger.Warn("deprecation not reflected in index", "entity", e.ID, "error", err)
	}
	return e, nil
}

// Recall runs semantic retrieval across both scopes and returns merged,
// score-ranked entities and episodes. Deprecated entities and the current
// active episode are excluded. Requires a ready encoder.
func (m *Manager) Recall(ctx context.Context, query string, limit int) (*models.RecallResult, error) {
	if limit <= 0 {
		limit = 5
	}
	vec, err := m.enc.Encode(query)
	if err != nil {
		return nil, err
	}

	activeID := ""
	if active, err := m.store.GetActiveEpisode(); err == nil && active != nil {
		activeID = active.ID
	}

	var entities, episodes []models.RecallItem

	for _, src := range []struct {
		idx   *vectorstore.Index
		scope models.Scope
	}{
		{m.projectIdx, models.ScopeProject},
		{m.userIdx, models.ScopeUser},
	} {
		hits, err := src.idx.Query(ctx, vec, limit*2, nil)
		if err != nil {
			return nil, fmt.Errorf("query %s index: %w", src.scope, err)
		}
		for _, h := range hits {
			if h.Metadata[vectorstore.MetaStatus] == models.EntityDeprecated {
				continue
			}
			item := models.RecallItem{
				ID:      h.ID,
				Kind:    h.Metadata[vectorstore.MetaRecord],
				Type:    h.Metadata[vectorstore.MetaType],
				Content: h.Content,
				Score:   h.Score,
				Scope:   src.scope,
			}
			switch item.Kind {
			case "episode":
				if h.ID != activeID {
					episodes = append(episodes, item)
				}
			default:
				entities = append(entities, item)
			}
		}
	}

	sortByScore(entities)
	sortByScore(episodes)
	return &models.RecallResult{
		Entities: clip(entities, limit),
		Episodes: clip(episodes, limit),
	}, nil
}

// RecallRecent is the degraded-mode companion to Recall: most recent
// completed episodes and newest active entities straight from the
// catalogs, no encoder involved.
func (m *Manager) RecallRecent(limit int) (*models.RecallResult, error) {
	if limit <= 0 {
		limit = 5
	}
	eps, err := m.store.ListEpisodesByTime(limit)
	if err != nil {
		return nil, err
	}
	res := &models.RecallResult{}
	for _, ep := range eps {
		res.Episodes = append(res.Episodes, models.RecallItem{
			ID:      ep.ID,
			Kind:    "episode",
			Content: ep.Summary,
			Scope:   models.ScopeProject,
		})
	}
	for _, scope := range []models.Scope{models.ScopeProject, models.ScopeUser} {
		ents, err := m.store.ListEntities(scope, "", false)
		if err != nil {
			return nil, err
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].CreatedAt.After(ents[j].CreatedAt) })
		for _, e := range clip(ents, limit) {
			res.Entities = append(res.Entities, models.RecallItem{
				ID:      e.ID,
				Kind:    "entity",
				Type:    string(e.Type),
				Content: e.Content,
				Scope:   scope,
			})
		}
	}
	return res, nil
}

// SearchByType lists entities of one type. With a query it ranks them
// semantically within the type's scope; without one it reads the catalog
// and never touches the encoder.
func (m *Manager) SearchByType(ctx context.Context, typ models.EntityType, query string, limit int) ([]models.RecallItem, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
	if limit <= 0 {
		limit = 10
	}

	if query == "" {
		ents, err := m.store.ListEntities(typ.ScopeOf(), typ, false)
		if err != nil {
			return nil, err
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].CreatedAt.After(ents[j].CreatedAt) })
		var out []models.RecallItem
		for _, e := range clip(ents, limit) {
			out = append(out, models.RecallItem{
				ID: e.ID, Kind: "entity", Type: string(e.Type),
				Content: e.Content, Scope: typ.ScopeOf(),
			})
		}
		return out, nil
	}

	vec, err := m.enc.Encode(query)
	if err != nil {
		return nil, err
	}
	hits, err := m.indexFor(typ).Query(ctx, vec, limit, map[string]string{
		vectorstore.MetaRecord: "entity",
		vectorstore.MetaType:   string(typ),
	})
	if err != nil {
		return nil, err
	}
	var out []models.RecallItem
	for _, h := range hits {
		if h.Metadata[vectorstore.MetaStatus] == models.EntityDeprecated {
			continue
		}
		out = append(out, models.RecallItem{
			ID: h.ID, Kind: "entity", Type: string(typ),
			Content: h.Content, Score: h.Score, Scope: typ.ScopeOf(),
		})
	}
	return out, nil
}

// ListEpisodes returns completed episodes, newest first.
func (m *Manager) ListEpisodes(limit int) ([]models.Episode, error) {
	return m.store.ListEpisodesByTime(limit)
}

// EpisodeDetail returns one episode with its transcript.
func (m *Manager) EpisodeDetail(episodeID string) (*models.Episode, []models.Message, error) {
	ep, err := m.store.GetEpisode(episodeID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := m.store.MessagesForEpisode(episodeID)
	if err != nil {
		return nil, nil, err
	}
	return ep, msgs, nil
}

// Prune trims the message log and the pending queue to the retention
// window. Returns messages removed and candidates removed.
func (m *Manager) Prune(days int) (int, int, error) {
	if days <= 0 {
		days = m.cfg.RetentionDays
	}
	removed, _, err := m.store.PruneMessages(days)
	if err != nil {
		return 0, 0, err
	}
	cands, err := m.store.PruneCandidates(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		return removed, 0, err
	}
	return removed, cands, nil
}

// Stats reports counters across both scopes plus encoder state.
func (m *Manager) Stats() (*models.Stats, error) {
	s := &models.Stats{EncoderState: string(m.enc.Status())}

	var err error
	if s.ProjectCount, err = m.store.CountEntities(models.ScopeProject); err != nil {
		return nil, err
	}
	if s.UserCount, err = m.store.CountEntities(models.ScopeUser); err != nil {
		return nil, err
	}
	if active, err := m.store.GetActiveEpisode(); err == nil && active != nil {
		s.CurrentEpisode = active.ID + " " + strconv.Quote(active.Title)
	}
	if s.MessageCount, err = m.store.CountMessages(); err != nil {
		return nil, err
	}
	pending, err := m.store.ListPending()
	if err != nil {
		return nil, err
	}
	s.PendingTotal = len(pending)
	if len(pending) > 0 {
		s.PendingByType = make(map[models.EntityType]int)
		for _, c := range pending {
			s.PendingByType[c.Type]++
		}
	}
	return s, nil
}

func sortByScore(items []models.RecallItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
}

func clip[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
