package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/hubcache/internal/vectorindex"
)

// Encoder computes the embedding of a single query.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Index is a k-nearest-neighbor search over indexed CRM objects.
type Index interface {
	Search(query []float32, k int) ([]vectorindex.Hit, error)
}

// ObjectLookup reads the current snapshot of an object.
type ObjectLookup interface {
	Get(objectType, id string) (map[string]any, bool)
}

// Result is one ranked search hit. Rank starts at 1.
type Result struct {
	Rank            int            `json:"rank"`
	SimilarityScore float32        `json:"similarity_score"`
	Type            string         `json:"type"`
	Data            map[string]any `json:"data"`
}

// Similarity converts an index distance into the reported score.
func Similarity(distance float32) float32 {
	return 1.0 - distance/2.0
}

// overfetch is the initial ratio of index hits to requested results, and
// the factor by which the window grows while results come up short.
const overfetch = 4

// Retriever combines query encoding and vector search over the cache.
type Retriever struct {
	encoder Encoder
	index   Index
	store   ObjectLookup
}

// NewRetriever creates a Retriever. store may be nil, in which case Lookup
// always misses.
func NewRetriever(encoder Encoder, index Index, store ObjectLookup) *Retriever {
	return &Retriever{encoder: encoder, index: index, store: store}
}

// Search encodes query and returns up to limit hits ranked by similarity.
func (r *Retriever) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	return r.SearchType(ctx, query, "", limit)
}

// SearchType is Search restricted to one object type; an empty dataType
// matches every type. Objects indexed more than once are reported once, from
// the first hit the index returns for them. The search window widens until
// limit results are found or the index has nothing further to return.
func (r *Retriever) SearchType(ctx context.Context, query, dataType string, limit int) ([]Result, error) {
	if limit <= 0 {
		return []Result{}, nil
	}
	vec, err := r.encoder.Encode(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	for k := limit * overfetch; ; k *= overfetch {
		hits, err := r.index.Search(vec, k)
		if err != nil {
			return nil, fmt.Errorf("searching index: %w", err)
		}
		results := collect(hits, dataType, limit)
		if len(results) == limit || len(hits) < k {
			return results, nil
		}
	}
}

func collect(hits []vectorindex.Hit, dataType string, limit int) []Result {
	results := make([]Result, 0, limit)
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		typ := h.Metadata.Type()
		if dataType != "" && typ != dataType {
			continue
		}
		if key, ok := h.Metadata.Key(); ok {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		results = append(results, Result{
			Rank:            len(results) + 1,
			SimilarityScore: Similarity(h.Distance),
			Type:            typ,
			Data:            h.Metadata.Data(),
		})
		if len(results) == limit {
			break
		}
	}
	return results
}

// Lookup returns the stored snapshot of an object.
func (r *Retriever) Lookup(objectType, id string) (map[string]any, bool) {
	if r.store == nil {
		return nil, false
	}
	return r.store.Get(objectType, id)
}
