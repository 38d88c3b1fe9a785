package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kalambet/hubcache/internal/kvstore"
	"github.com/kalambet/hubcache/internal/vectorindex"
)

type mockEncoder struct {
	vec   []float32
	err   error
	calls int
}

func (m *mockEncoder) Encode(_ context.Context, _ string) ([]float32, error) {
	m.calls++
	return m.vec, m.err
}

func newIndex(t *testing.T, vectors [][]float32, metadata []vectorindex.Metadata) *vectorindex.Manager {
	t.Helper()
	mgr, err := vectorindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	if len(vectors) > 0 {
		if err := mgr.AddData(vectors, metadata); err != nil {
			t.Fatalf("AddData: %v", err)
		}
	}
	return mgr
}

func meta(typ, id string) vectorindex.Metadata {
	return vectorindex.Metadata{"type": typ, "data": map[string]any{"id": id, "name": typ + " " + id}}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		distance float32
		want     float32
	}{
		{0, 1},
		{1, 0.5},
		{2, 0},
		{4, -1},
		{0.5, 0.75},
	}
	for _, tt := range tests {
		if got := Similarity(tt.distance); got != tt.want {
			t.Errorf("Similarity(%v) = %v, want %v", tt.distance, got, tt.want)
		}
	}
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	idx := newIndex(t,
		[][]float32{{2, 0}, {0, 0}, {1, 0}},
		[]vectorindex.Metadata{meta("deal", "far"), meta("company", "exact"), meta("contact", "near")},
	)
	enc := &mockEncoder{vec: []float32{0, 0}}
	r := NewRetriever(enc, idx, nil)

	results, err := r.Search(context.Background(), "acme", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	want := []struct {
		id    string
		typ   string
		score float32
	}{
		{"exact", "company", 1.0},
		{"near", "contact", 0.5},
		{"far", "deal", -1.0},
	}
	for i, w := range want {
		got := results[i]
		if got.Rank != i+1 {
			t.Errorf("results[%d].Rank = %d, want %d", i, got.Rank, i+1)
		}
		if got.Data["id"] != w.id || got.Type != w.typ {
			t.Errorf("results[%d] = %s/%v, want %s/%s", i, got.Type, got.Data["id"], w.typ, w.id)
		}
		if got.SimilarityScore != w.score {
			t.Errorf("results[%d].SimilarityScore = %v, want %v", i, got.SimilarityScore, w.score)
		}
	}
	if enc.calls != 1 {
		t.Errorf("encoder called %d times, want 1", enc.calls)
	}
}

func TestSearch_Limit(t *testing.T) {
	idx := newIndex(t,
		[][]float32{{0, 0}, {1, 0}, {2, 0}},
		[]vectorindex.Metadata{meta("company", "1"), meta("company", "2"), meta("company", "3")},
	)
	r := NewRetriever(&mockEncoder{vec: []float32{0, 0}}, idx, nil)

	results, err := r.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}

	results, err = r.Search(context.Background(), "q", 0)
	if err != nil || len(results) != 0 {
		t.Errorf("Search(limit 0) = %v, %v; want empty", results, err)
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	r := NewRetriever(&mockEncoder{vec: []float32{1, 1}}, newIndex(t, nil, nil), nil)
	results, err := r.Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("results = %v, want empty non-nil slice", results)
	}
}

func TestSearch_DeduplicatesReindexedObjects(t *testing.T) {
	idx := newIndex(t,
		[][]float32{{1, 0}, {0, 0}, {3, 0}},
		[]vectorindex.Metadata{meta("contact", "7"), meta("contact", "7"), meta("contact", "8")},
	)
	r := NewRetriever(&mockEncoder{vec: []float32{0, 0}}, idx, nil)

	results, err := r.Search(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].SimilarityScore != 1.0 {
		t.Errorf("duplicate kept at score %v, want best score 1", results[0].SimilarityScore)
	}
	if results[1].Data["id"] != "8" || results[1].Rank != 2 {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestSearch_RepeatedBackfillsKeepLimit(t *testing.T) {
	idx := newIndex(t, nil, nil)
	for pass := 0; pass < 5; pass++ {
		var vectors [][]float32
		var md []vectorindex.Metadata
		for i := 0; i < 20; i++ {
			vectors = append(vectors, []float32{float32(i), 0})
			md = append(md, vectorindex.Metadata{
				"type": "contact",
				"data": map[string]any{"id": fmt.Sprintf("c%d", i), "pass": pass},
			})
		}
		if err := idx.AddData(vectors, md); err != nil {
			t.Fatal(err)
		}
	}
	r := NewRetriever(&mockEncoder{vec: []float32{0, 0}}, idx, nil)

	results, err := r.Search(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	seen := map[any]bool{}
	for i, res := range results {
		if seen[res.Data["id"]] {
			t.Errorf("duplicate result %v", res.Data["id"])
		}
		seen[res.Data["id"]] = true
		if res.Data["pass"] != 4 {
			t.Errorf("result %d came from pass %v, want newest pass 4", i, res.Data["pass"])
		}
	}
}

func TestSearchType_WidensUntilLimit(t *testing.T) {
	var vectors [][]float32
	var md []vectorindex.Metadata
	for i := 0; i < 50; i++ {
		vectors = append(vectors, []float32{float32(i) / 100, 0})
		md = append(md, meta("company", fmt.Sprintf("co%d", i)))
	}
	for i := 0; i < 3; i++ {
		vectors = append(vectors, []float32{10 + float32(i), 0})
		md = append(md, meta("deal", fmt.Sprintf("d%d", i)))
	}
	idx := &recordingIndex{Manager: newIndex(t, vectors, md)}
	r := NewRetriever(&mockEncoder{vec: []float32{0, 0}}, idx, nil)

	results, err := r.SearchType(context.Background(), "q", "deal", 3)
	if err != nil {
		t.Fatalf("SearchType: %v", err)
	}
	if len(results) != 3 || results[0].Data["id"] != "d0" {
		t.Errorf("results = %+v, want the three deals", results)
	}
	if len(idx.ks) < 2 || idx.ks[0] != 12 {
		t.Errorf("search windows = %v, want widening from 12", idx.ks)
	}

	// Fewer matches than the limit stops once the index is exhausted.
	idx.ks = nil
	results, err = r.SearchType(context.Background(), "q", "deal", 5)
	if err != nil || len(results) != 3 {
		t.Errorf("SearchType = %d results, %v; want 3", len(results), err)
	}
	if last := idx.ks[len(idx.ks)-1]; last < len(vectors) {
		t.Errorf("last window %d did not cover the index (%d vectors)", last, len(vectors))
	}
}

type recordingIndex struct {
	*vectorindex.Manager
	ks []int
}

func (r *recordingIndex) Search(query []float32, k int) ([]vectorindex.Hit, error) {
	r.ks = append(r.ks, k)
	return r.Manager.Search(query, k)
}

func TestSearchType_Filters(t *testing.T) {
	idx := newIndex(t,
		[][]float32{{0, 0}, {1, 0}, {2, 0}},
		[]vectorindex.Metadata{meta("company", "1"), meta("deal", "2"), meta("company", "3")},
	)
	r := NewRetriever(&mockEncoder{vec: []float32{0, 0}}, idx, nil)

	results, err := r.SearchType(context.Background(), "q", "deal", 5)
	if err != nil {
		t.Fatalf("SearchType: %v", err)
	}
	if len(results) != 1 || results[0].Type != "deal" || results[0].Rank != 1 {
		t.Errorf("results = %+v, want the single deal at rank 1", results)
	}
}

func TestSearch_EncoderError(t *testing.T) {
	r := NewRetriever(&mockEncoder{err: errors.New("ollama down")}, newIndex(t, nil, nil), nil)
	if _, err := r.Search(context.Background(), "q", 3); err == nil {
		t.Error("expected error from encoder")
	}
}

func TestSearch_DimensionMismatch(t *testing.T) {
	idx := newIndex(t, [][]float32{{0, 0}}, []vectorindex.Metadata{meta("company", "1")})
	r := NewRetriever(&mockEncoder{vec: []float32{0, 0, 0}}, idx, nil)
	if _, err := r.Search(context.Background(), "q", 3); !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestLookup(t *testing.T) {
	store, err := kvstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer store.Close()
	if err := store.Put("company", "42", map[string]any{"name": "Acme"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r := NewRetriever(&mockEncoder{}, newIndex(t, nil, nil), store)
	got, ok := r.Lookup("company", "42")
	if !ok || got["name"] != "Acme" {
		t.Errorf("Lookup = %v, %v", got, ok)
	}
	if _, ok := r.Lookup("company", "missing"); ok {
		t.Error("Lookup(missing) reported found")
	}

	if _, ok := NewRetriever(&mockEncoder{}, newIndex(t, nil, nil), nil).Lookup("company", "42"); ok {
		t.Error("Lookup without store reported found")
	}
}
