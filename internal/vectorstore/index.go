// Package vectorstore wraps an embedded vector database for nearest-neighbor
// retrieval over entities and completed episodes. One index per scope root.
package vectorstore

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// Metadata keys used on every indexed document.
const (
	MetaRecord    = "record" // "entity" or "episode"
	MetaType      = "type"
	MetaStatus    = "status"
	MetaEpisodeID = "episode_id"
	MetaCreatedAt = "created_at"
)

// Result is one scored hit from the index.
type Result struct {
	ID       string
	Content  string
	Metadata map[string]string
	Score    float32
}

// Index is a persistent embedded vector index. Embeddings are always
// provided by the caller; the index never computes them itself.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
}

// Open creates or reopens the index persisted under dir.
func Open(dir, collection string) (*Index, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collection, err)
	}
	return &Index{db: db, col: col}, nil
}

// Put inserts or replaces a document with its precomputed embedding.
func (ix *Index) Put(ctx context.Context, id, content string, vector []float32, metadata map[string]string) error {
	// AddDocument rejects duplicate ids, so replace means delete first.
	_ = ix.col.Delete(ctx, nil, nil, id)
	err := ix.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   content,
		Embedding: vector,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("add document %s: %w", id, err)
	}
	return nil
}

// Get fetches a document by id.
func (ix *Index) Get(ctx context.Context, id string) (*Result, error) {
	doc, err := ix.col.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &Result{ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata}, nil
}

// SetMetadata rewrites a document's metadata, keeping content and embedding.
func (ix *Index) SetMetadata(ctx context.Context, id string, metadata map[string]string) error {
	doc, err := ix.col.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get document %s: %w", id, err)
	}
	if err := ix.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	err = ix.col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("re-add document %s: %w", id, err)
	}
	return nil
}

// Query returns up to k nearest neighbors matching all where pairs exactly.
// The underlying database rejects k larger than the candidate set, so the
// limit is stepped down rather than surfaced as an error on small indexes.
func (ix *Index) Query(ctx context.Context, vector []float32, k int, where map[string]string) ([]Result, error) {
	if ix.col.Count() == 0 {
		return nil, nil
	}
	var results []chromem.Result
	var err error
	for limit := k; limit >= 1; limit-- {
		results, err = ix.col.QueryEmbedding(ctx, vector, limit, where, nil)
		if err == nil {
			break
		}
		if !isTooFewDocsError(err) {
			return nil, fmt.Errorf("query index: %w", err)
		}
	}
	if err != nil {
		return nil, nil
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Score:    r.Similarity,
		})
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count() int {
	return ix.col.Count()
}

func isTooFewDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") ||
		strings.Contains(msg, "number of documents")
}
