package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chenxiaofie/memory-mcp/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "project"), filepath.Join(t.TempDir(), "user"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestEpisodeLifecycle(t *testing.T) {
	s := newTestStore(t)

	ep, err := s.CreateEpisode("first session", []string{"auto"})
	if err != nil {
		t.Fatalf("CreateEpisode: %v", err)
	}
	if !strings.HasPrefix(ep.ID, "ep_") {
		t.Errorf("episode id = %q, want ep_ prefix", ep.ID)
	}

	if _, err := s.CreateEpisode("second", nil); !errors.Is(err, models.ErrEpisodeAlreadyActive) {
		t.Fatalf("second CreateEpisode error = %v, want ErrEpisodeAlreadyActive", err)
	}

	active, err := s.GetActiveEpisode()
	if err != nil || active == nil || active.ID != ep.ID {
		t.Fatalf("GetActiveEpisode = %v, %v, want %s", active, err, ep.ID)
	}

	closed, err := s.CloseEpisode(ep.ID, "did things")
	if err != nil {
		t.Fatalf("CloseEpisode: %v", err)
	}
	if closed.Status != models.EpisodeCompleted || closed.ClosedAt == nil {
		t.Errorf("closed episode = %+v, want completed with ClosedAt set", closed)
	}
	if closed.Summary != "did things" {
		t.Errorf("summary = %q", closed.Summary)
	}

	if active, _ := s.GetActiveEpisode(); active != nil {
		t.Errorf("active episode after close = %v, want nil", active)
	}

	// Second close of the same episode must be rejected, not repeated.
	if _, err := s.CloseEpisode(ep.ID, "again"); !errors.Is(err, models.ErrAlreadyClosed) {
		t.Fatalf("second close error = %v, want ErrAlreadyClosed", err)
	}

	got, err := s.GetEpisode(ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if got.Summary != "did things" {
		t.Errorf("catalog summary = %q, want untouched by second close", got.Summary)
	}
}

func TestCloseUnknownEpisode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CloseEpisode("ep_nope", ""); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCloseKeepsMonitorPID(t *testing.T) {
	s := newTestStore(t)
	ep, _ := s.CreateEpisode("watched", nil)
	if err := s.SetMonitorPID(4242); err != nil {
		t.Fatalf("SetMonitorPID: %v", err)
	}
	if _, err := s.CloseEpisode(ep.ID, "done"); err != nil {
		t.Fatalf("CloseEpisode: %v", err)
	}
	sess, _ := s.LoadSession()
	if sess.MonitorPID != 4242 {
		t.Errorf("monitor pid after close = %d, want 4242", sess.MonitorPID)
	}
}

func TestDiscardActiveEpisode(t *testing.T) {
	s := newTestStore(t)
	ep, _ := s.CreateEpisode("abandoned", nil)
	if err := s.DiscardActiveEpisode(); err != nil {
		t.Fatalf("DiscardActiveEpisode: %v", err)
	}
	if active, _ := s.GetActiveEpisode(); active != nil {
		t.Errorf("active = %v, want nil", active)
	}
	// Discarded episodes never reach the catalog.
	if _, err := s.GetEpisode(ep.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetEpisode error = %v, want ErrNotFound", err)
	}
}

func TestListEpisodesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		ep, err := s.CreateEpisode(fmt.Sprintf("session %d", i), nil)
		if err != nil {
			t.Fatalf("CreateEpisode %d: %v", i, err)
		}
		if _, err := s.CloseEpisode(ep.ID, ""); err != nil {
			t.Fatalf("CloseEpisode %d: %v", i, err)
		}
	}
	eps, err := s.ListEpisodesByTime(2)
	if err != nil {
		t.Fatalf("ListEpisodesByTime: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d episodes, want 2", len(eps))
	}
	if eps[0].Title != "session 2" {
		t.Errorf("first = %q, want newest", eps[0].Title)
	}
}

func TestEntityScopes(t *testing.T) {
	s := newTestStore(t)

	project := models.Entity{ID: NewID("ent"), Type: models.EntityDecision, Content: "use postgres", Status: models.EntityActive, CreatedAt: time.Now()}
	user := models.Entity{ID: NewID("ent"), Type: models.EntityPreference, Content: "tabs not spaces", Status: models.EntityActive, CreatedAt: time.Now()}
	for _, e := range []models.Entity{project, user} {
		if err := s.PutEntity(e); err != nil {
			t.Fatalf("PutEntity: %v", err)
		}
	}

	got, scope, err := s.GetEntity(user.ID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if scope != models.ScopeUser || got.Content != "tabs not spaces" {
		t.Errorf("got %+v in scope %s", got, scope)
	}

	projEnts, err := s.ListEntities(models.ScopeProject, "", false)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(projEnts) != 1 || projEnts[0].ID != project.ID {
		t.Errorf("project entities = %v", projEnts)
	}

	n, err := s.CountEntities(models.ScopeUser)
	if err != nil || n != 1 {
		t.Errorf("CountEntities(user) = %d, %v, want 1", n, err)
	}
}

func TestDeprecateEntity(t *testing.T) {
	s := newTestStore(t)
	e := models.Entity{ID: NewID("ent"), Type: models.EntityDecision, Content: "use mongo", Status: models.EntityActive, CreatedAt: time.Now()}
	if err := s.PutEntity(e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	dep, err := s.DeprecateEntity(e.ID, "replaced by postgres")
	if err != nil {
		t.Fatalf("DeprecateEntity: %v", err)
	}
	if dep.Status != models.EntityDeprecated {
		t.Errorf("status = %q", dep.Status)
	}
	if dep.Reason != "replaced by postgres" {
		t.Errorf("reason = %q", dep.Reason)
	}

	// Idempotent.
	if _, err := s.DeprecateEntity(e.ID, ""); err != nil {
		t.Errorf("second DeprecateEntity: %v", err)
	}
	if _, err := s.DeprecateEntity("ent_missing", ""); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing entity error = %v, want ErrNotFound", err)
	}

	active, _ := s.ListEntities(models.ScopeProject, "", false)
	if len(active) != 0 {
		t.Errorf("deprecated entity still listed as active: %v", active)
	}
	all, _ := s.ListEntities(models.ScopeProject, "", true)
	if len(all) != 1 {
		t.Errorf("deprecated entity gone from catalog: %v", all)
	}
}

func TestAttachEntity(t *testing.T) {
	s := newTestStore(t)
	ep, _ := s.CreateEpisode("linked", nil)
	if err := s.AttachEntity("ent_abc"); err != nil {
		t.Fatalf("AttachEntity: %v", err)
	}
	closed, err := s.CloseEpisode(ep.ID, "")
	if err != nil {
		t.Fatalf("CloseEpisode: %v", err)
	}
	if len(closed.EntityIDs) != 1 || closed.EntityIDs[0] != "ent_abc" {
		t.Errorf("entity ids = %v", closed.EntityIDs)
	}
}

func TestCandidateResolution(t *testing.T) {
	s := newTestStore(t)
	c := models.Candidate{ID: NewID("cand"), Type: models.EntityDecision, Content: "use grpc", Status: models.CandidatePending, DetectedAt: time.Now()}
	if err := s.PutCandidates(c); err != nil {
		t.Fatalf("PutCandidates: %v", err)
	}

	pending, err := s.ListPending()
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPending = %v, %v", pending, err)
	}

	got, err := s.ResolveCandidate(c.ID)
	if err != nil {
		t.Fatalf("ResolveCandidate: %v", err)
	}
	if got.Content != "use grpc" {
		t.Errorf("resolved = %+v", got)
	}

	// A candidate resolves exactly once.
	if _, err := s.ResolveCandidate(c.ID); !errors.Is(err, models.ErrAlreadyResolved) {
		t.Errorf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
	if pending, _ := s.ListPending(); len(pending) != 0 {
		t.Errorf("queue not empty after resolve: %v", pending)
	}
}

func TestPruneCandidates(t *testing.T) {
	s := newTestStore(t)
	old := models.Candidate{ID: "cand_old", Type: models.EntityDecision, Content: "stale", Status: models.CandidatePending, DetectedAt: time.Now().Add(-10 * 24 * time.Hour)}
	fresh := models.Candidate{ID: "cand_new", Type: models.EntityDecision, Content: "fresh", Status: models.CandidatePending, DetectedAt: time.Now()}
	if err := s.PutCandidates(old, fresh); err != nil {
		t.Fatalf("PutCandidates: %v", err)
	}
	removed, err := s.PruneCandidates(7 * 24 * time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("PruneCandidates = %d, %v, want 1 removed", removed, err)
	}
	pending, _ := s.ListPending()
	if len(pending) != 1 || pending[0].ID != "cand_new" {
		t.Errorf("pending after prune = %v", pending)
	}
}

func TestCloseSignalConsumedOnce(t *testing.T) {
	s := newTestStore(t)

	if sig, err := s.ConsumeCloseSignal(); err != nil || sig != nil {
		t.Fatalf("consume with no signal = %v, %v", sig, err)
	}

	if err := s.WriteCloseSignal("logout"); err != nil {
		t.Fatalf("WriteCloseSignal: %v", err)
	}
	sig, err := s.ConsumeCloseSignal()
	if err != nil || sig == nil || sig.Reason != "logout" {
		t.Fatalf("ConsumeCloseSignal = %v, %v", sig, err)
	}
	// Read-then-delete: a second consume finds nothing.
	if sig, _ := s.ConsumeCloseSignal(); sig != nil {
		t.Errorf("signal consumed twice: %v", sig)
	}
}

func TestCorruptSessionFileSurfaces(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.ProjectDir(), "active_episode.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadSession(); !errors.Is(err, models.ErrCorruptRecord) {
		t.Errorf("error = %v, want ErrCorruptRecord", err)
	}
}

func TestMessageLog(t *testing.T) {
	s := newTestStore(t)
	ep, _ := s.CreateEpisode("chatty", nil)

	for i := 0; i < 3; i++ {
		msg := models.Message{ID: NewID("msg"), Role: models.RoleUser, Content: fmt.Sprintf("m%d", i), EpisodeID: ep.ID, Timestamp: time.Now().Add(time.Duration(i) * time.Second)}
		if err := s.AppendMessage(msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	s.AppendMessage(models.Message{ID: NewID("msg"), Role: models.RoleUser, Content: "other", EpisodeID: "ep_other", Timestamp: time.Now()})

	msgs, err := s.MessagesForEpisode(ep.ID)
	if err != nil {
		t.Fatalf("MessagesForEpisode: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "m0" || msgs[2].Content != "m2" {
		t.Errorf("messages out of order: %v", msgs)
	}

	if n, _ := s.CountMessages(); n != 4 {
		t.Errorf("CountMessages = %d, want 4", n)
	}

	// Session buffer mirrors appends for the active episode.
	sess, _ := s.LoadSession()
	if len(sess.Messages) != 3 {
		t.Errorf("session buffer has %d messages, want 3", len(sess.Messages))
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ep, _ := s.CreateEpisode("busy", nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := models.Message{ID: fmt.Sprintf("msg_%08d", i), Role: models.RoleUser, Content: "hello", EpisodeID: ep.ID, Timestamp: time.Now()}
			if err := s.AppendMessage(msg); err != nil {
				t.Errorf("AppendMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Every line must still parse: O_APPEND single-line writes don't tear.
	msgs, err := s.MessagesForEpisode(ep.ID)
	if err != nil {
		t.Fatalf("MessagesForEpisode: %v", err)
	}
	if len(msgs) != n {
		t.Errorf("got %d messages, want %d", len(msgs), n)
	}
}

func TestPruneMessages(t *testing.T) {
	s := newTestStore(t)
	old := models.Message{ID: "msg_old", Role: models.RoleUser, Content: "ancient", Timestamp: time.Now().Add(-30 * 24 * time.Hour)}
	fresh := models.Message{ID: "msg_new", Role: models.RoleUser, Content: "recent", Timestamp: time.Now()}
	s.AppendMessage(old)
	s.AppendMessage(fresh)

	removed, kept, err := s.PruneMessages(7)
	if err != nil {
		t.Fatalf("PruneMessages: %v", err)
	}
	if removed != 1 || kept != 1 {
		t.Errorf("removed=%d kept=%d, want 1/1", removed, kept)
	}
	if n, _ := s.CountMessages(); n != 1 {
		t.Errorf("CountMessages after prune = %d, want 1", n)
	}
}

func TestNewIDFormat(t *testing.T) {
	id := NewID("ep")
	if !strings.HasPrefix(id, "ep_") || len(id) != len("ep_")+8 {
		t.Errorf("id = %q, want ep_ plus 8 hex chars", id)
	}
	if NewID("ep") == NewID("ep") {
		t.Error("ids collide")
	}
}
