package vectorindex

import (
	"container/heap"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrLengthMismatch is returned when vectors and metadata differ in length.
	ErrLengthMismatch = errors.New("vectors and metadata must have the same length")
	// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Metadata is the opaque record attached to each vector:
// {"type": object_type, "data": payload, ...extras}.
type Metadata map[string]any

// Type returns the object type recorded in the metadata, or "unknown".
func (m Metadata) Type() string {
	if t, ok := m["type"].(string); ok {
		return t
	}
	return "unknown"
}

// Data returns the original payload recorded in the metadata.
func (m Metadata) Data() map[string]any {
	if d, ok := m["data"].(map[string]any); ok {
		return d
	}
	return map[string]any{}
}

// Key identifies the object a vector describes as "type/id". It reports
// false when the payload carries no id.
func (m Metadata) Key() (string, bool) {
	switch id := m.Data()["id"].(type) {
	case string:
		if id == "" {
			return "", false
		}
		return m.Type() + "/" + id, true
	case float64:
		return m.Type() + "/" + strconv.FormatFloat(id, 'f', -1, 64), true
	case int:
		return m.Type() + "/" + strconv.Itoa(id), true
	case int64:
		return m.Type() + "/" + strconv.FormatInt(id, 10), true
	}
	return "", false
}

// Hit is one search result.
type Hit struct {
	Metadata Metadata
	Distance float32
}

// Index is an exact, append-only L2 index. The position of a vector is its
// implicit id and correlates it with metadata[id]. Re-adding an object
// supersedes its earlier vectors: only the newest position per Key is live
// and visible to search.
type Index struct {
	dim      int
	vectors  [][]float32
	metadata []Metadata
	latest   map[string]int // Key -> newest position
	stale    []bool         // stale[pos] once a newer vector shares its Key
}

func newIndex() *Index {
	return &Index{latest: map[string]int{}}
}

// Len returns the number of stored vectors, superseded ones included.
func (ix *Index) Len() int {
	return len(ix.vectors)
}

// Live returns the number of vectors visible to search.
func (ix *Index) Live() int {
	n := 0
	for _, s := range ix.stale {
		if !s {
			n++
		}
	}
	return n
}

func (ix *Index) push(vec []float32, meta Metadata) {
	if key, ok := meta.Key(); ok {
		if prev, seen := ix.latest[key]; seen {
			ix.stale[prev] = true
		}
		ix.latest[key] = len(ix.vectors)
	}
	ix.vectors = append(ix.vectors, vec)
	ix.metadata = append(ix.metadata, meta)
	ix.stale = append(ix.stale, false)
}

// Dimension returns the vector dimension, or 0 while the index is empty.
func (ix *Index) Dimension() int {
	return ix.dim
}

func (ix *Index) add(vectors [][]float32, metadata []Metadata) error {
	if len(vectors) != len(metadata) {
		return fmt.Errorf("%w: %d vectors, %d metadata", ErrLengthMismatch, len(vectors), len(metadata))
	}
	if len(vectors) == 0 {
		return nil
	}

	dim := ix.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	if dim == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}

	for i, v := range vectors {
		cp := make([]float32, len(v))
		copy(cp, v)
		ix.push(cp, metadata[i])
	}
	ix.dim = dim
	return nil
}

// search returns the k nearest live vectors by squared Euclidean distance,
// nearest first. Equal distances keep insertion order.
func (ix *Index) search(query []float32, k int) ([]Hit, error) {
	if len(ix.vectors) == 0 || k <= 0 {
		return []Hit{}, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(query), ix.dim)
	}
	if k > len(ix.vectors) {
		k = len(ix.vectors)
	}

	h := &candHeap{}
	for id, v := range ix.vectors {
		if ix.stale[id] {
			continue
		}
		d := squaredL2(query, v)
		if h.Len() < k {
			heap.Push(h, cand{id: id, dist: d})
		} else if d < (*h)[0].dist {
			(*h)[0] = cand{id: id, dist: d}
			heap.Fix(h, 0)
		}
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		c := heap.Pop(h).(cand)
		hits[i] = Hit{Metadata: ix.metadata[c.id], Distance: c.dist}
	}
	return hits, nil
}

// compact returns a new index holding only the live vectors, in their
// original order. Vector and metadata values are shared.
func (ix *Index) compact() *Index {
	out := newIndex()
	out.dim = ix.dim
	for pos, v := range ix.vectors {
		if !ix.stale[pos] {
			out.push(v, ix.metadata[pos])
		}
	}
	return out
}

func squaredL2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

type cand struct {
	id   int
	dist float32
}

// candHeap is a max-heap on distance; the root is the worst kept candidate.
// Among equal distances the later insertion is treated as worse.
type candHeap []cand

func (h candHeap) Len() int { return len(h) }
func (h candHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].id > h[j].id
}
func (h candHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x any)   { *h = append(*h, x.(cand)) }
func (h *candHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
