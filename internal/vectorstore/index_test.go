package vectorstore

import (
	"context"
	"math"
	"testing"
)

// axis returns a unit vector pointing along one dimension, nudged so no
// two test vectors are identical.
func axis(dim, i int, nudge float32) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	v[(i+1)%dim] = nudge
	norm := float32(math.Sqrt(float64(1 + nudge*nudge)))
	for j := range v {
		v[j] /= norm
	}
	return v
}

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(t.TempDir(), "test_memory")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ix
}

func TestPutGetReplace(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)

	meta := map[string]string{MetaRecord: "entity", MetaType: "Decision", MetaStatus: "active"}
	if err := ix.Put(ctx, "ent_1", "use postgres", axis(8, 0, 0.1), meta); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := ix.Get(ctx, "ent_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "use postgres" || got.Metadata[MetaType] != "Decision" {
		t.Errorf("got %+v", got)
	}

	// Same id again is a replace, not a duplicate.
	if err := ix.Put(ctx, "ent_1", "use sqlite", axis(8, 0, 0.1), meta); err != nil {
		t.Fatalf("replace Put: %v", err)
	}
	got, _ = ix.Get(ctx, "ent_1")
	if got.Content != "use sqlite" {
		t.Errorf("content after replace = %q", got.Content)
	}
	if ix.Count() != 1 {
		t.Errorf("Count = %d, want 1", ix.Count())
	}
}

func TestQueryRanksByCosine(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)

	for i, id := range []string{"a", "b", "c"} {
		if err := ix.Put(ctx, id, id, axis(8, i, 0.1), map[string]string{MetaRecord: "entity"}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	hits, err := ix.Query(ctx, axis(8, 1, 0.1), 2, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "b" {
		t.Errorf("best hit = %s, want b", hits[0].ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestQueryLimitLargerThanIndex(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)

	if hits, err := ix.Query(ctx, axis(8, 0, 0.1), 5, nil); err != nil || hits != nil {
		t.Fatalf("empty index query = %v, %v, want nil, nil", hits, err)
	}

	if err := ix.Put(ctx, "only", "only", axis(8, 0, 0.1), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	hits, err := ix.Query(ctx, axis(8, 0, 0.1), 10, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits, want the limit stepped down to 1", len(hits))
	}
}

func TestQueryWhereFilter(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)

	ix.Put(ctx, "d1", "decision", axis(8, 0, 0.1), map[string]string{MetaType: "Decision"})
	ix.Put(ctx, "p1", "preference", axis(8, 0, 0.2), map[string]string{MetaType: "Preference"})

	hits, err := ix.Query(ctx, axis(8, 0, 0.1), 5, map[string]string{MetaType: "Preference"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "p1" {
		t.Errorf("hits = %+v, want only p1", hits)
	}
}

func TestSetMetadataKeepsEmbedding(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)

	ix.Put(ctx, "e1", "fact", axis(8, 2, 0.1), map[string]string{MetaStatus: "active"})
	if err := ix.SetMetadata(ctx, "e1", map[string]string{MetaStatus: "deprecated"}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	got, err := ix.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata[MetaStatus] != "deprecated" {
		t.Errorf("status = %q", got.Metadata[MetaStatus])
	}

	// Still findable by vector.
	hits, err := ix.Query(ctx, axis(8, 2, 0.1), 1, nil)
	if err != nil || len(hits) != 1 || hits[0].ID != "e1" {
		t.Errorf("query after metadata update = %v, %v", hits, err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(dir, "test_memory")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ix.Put(ctx, "keep", "survives", axis(8, 3, 0.1), map[string]string{MetaRecord: "entity"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	again, err := Open(dir, "test_memory")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := again.Get(ctx, "keep")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Content != "survives" {
		t.Errorf("content = %q", got.Content)
	}
}
