package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/hubcache/internal/kvstore"
	"github.com/kalambet/hubcache/internal/metrics"
	"github.com/kalambet/hubcache/internal/vectorindex"
)

// DefaultLimit is the page size used when a request does not set one.
const DefaultLimit = 100

// ObjectStore is the subset of the object store used by refresh.
type ObjectStore interface {
	PutBulk(objectType string, items []map[string]any, idField string) (kvstore.BulkResult, error)
	GetLastUpdated(objectType string) (string, bool)
}

// VectorIndex is the subset of the vector index manager used by refresh.
type VectorIndex interface {
	AddData(vectors [][]float32, metadata []vectorindex.Metadata) error
	SaveTodayIndex() error
	Len() int
}

// Encoder computes embeddings for a batch of texts.
type Encoder interface {
	EncodeMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Status is the outcome of a refresh.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Cursor holds a pagination token; a nil After means no further page.
type Cursor struct {
	After *string `json:"after"`
}

// Pagination mirrors the CRM pagination shape.
type Pagination struct {
	Next Cursor `json:"next"`
}

// Request asks for one page, or with StoreAllPages every page, of a data type.
type Request struct {
	DataType      string
	Limit         int
	After         string
	StoreAllPages bool
}

// Result reports a refresh run. Count aggregates the items of every page
// that was fully processed. On error Pagination.Next.After is nil and
// ResumeAfter holds the cursor of the page that failed, if it had one.
type Result struct {
	Status      Status     `json:"status"`
	DataType    string     `json:"data_type"`
	Count       int        `json:"count"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Pagination  Pagination `json:"pagination"`
	Error       string     `json:"error,omitempty"`
	Pages       int        `json:"pages"`
	Skipped     int        `json:"skipped"`
	ResumeAfter *string    `json:"resume_after,omitempty"`
	RunID       string     `json:"run_id"`
}

// Orchestrator keeps the object store and vector index in sync with a
// paginated CRM source. Refresh calls are serialized.
type Orchestrator struct {
	mu      sync.Mutex
	source  Source
	store   ObjectStore
	index   VectorIndex
	encoder Encoder
	idField string
	logger  *slog.Logger
}

// NewOrchestrator wires a refresh orchestrator. Objects are keyed by "id".
func NewOrchestrator(source Source, store ObjectStore, index VectorIndex, encoder Encoder) *Orchestrator {
	return &Orchestrator{
		source:  source,
		store:   store,
		index:   index,
		encoder: encoder,
		idField: "id",
		logger:  slog.Default(),
	}
}

// Refresh fetches, stores and indexes remote data. It never returns an
// error; failures are reported in the Result.
func (o *Orchestrator) Refresh(ctx context.Context, req Request) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	res := o.run(ctx, req, uuid.New().String())

	label := res.DataType
	if _, err := ParseDataType(label); err != nil {
		label = "unsupported"
	}
	metrics.RefreshRunsTotal.WithLabelValues(label, string(res.Status)).Inc()
	metrics.RefreshDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return res
}

func (o *Orchestrator) run(ctx context.Context, req Request, runID string) Result {
	logger := o.logger.With("run_id", runID, "data_type", req.DataType)
	res := Result{Status: StatusSuccess, DataType: req.DataType, RunID: runID}

	dt, err := ParseDataType(req.DataType)
	if err != nil {
		logger.Warn("refresh rejected", "error", err)
		return failed(res, err, "")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	after := req.After
	logger.Info("refresh started", "limit", limit, "after", after, "all_pages", req.StoreAllPages)

	for {
		page, err := o.source.FetchPage(ctx, dt, limit, after)
		if err != nil {
			logger.Error("fetching page failed", "after", after, "pages", res.Pages, "error", err)
			return failed(res, err, after)
		}
		metrics.RefreshPagesTotal.WithLabelValues(string(dt)).Inc()

		if len(page.Results) == 0 {
			logger.Info("empty page", "after", after)
			res.Pagination.Next.After = cursor(page.NextAfter)
			break
		}

		skipped, err := o.storePage(ctx, dt, page, limit, after)
		if err != nil {
			logger.Error("storing page failed", "after", after, "pages", res.Pages, "error", err)
			return failed(res, err, after)
		}

		res.Pages++
		res.Count += len(page.Results)
		res.Skipped += skipped
		res.Pagination.Next.After = cursor(page.NextAfter)
		if ts, ok := o.store.GetLastUpdated(string(dt)); ok {
			res.Timestamp = ts
		}
		logger.Debug("page refreshed", "count", len(page.Results), "skipped", skipped, "next", page.NextAfter)

		if !req.StoreAllPages || page.NextAfter == "" {
			break
		}
		after = page.NextAfter
	}

	logger.Info("refresh finished", "count", res.Count, "pages", res.Pages, "skipped", res.Skipped)
	return res
}

// storePage writes one page to the object store, then embeds and indexes
// the items that were stored. A failure leaves earlier steps in place.
func (o *Orchestrator) storePage(ctx context.Context, dt DataType, page Page, limit int, after string) (int, error) {
	bulk, err := o.store.PutBulk(string(dt), page.Results, o.idField)
	if err != nil {
		return 0, fmt.Errorf("storing %s items: %w", dt, err)
	}
	metrics.RefreshItemsTotal.WithLabelValues(string(dt)).Add(float64(len(bulk.Stored)))
	metrics.RefreshSkippedTotal.WithLabelValues(string(dt)).Add(float64(len(bulk.Skipped)))

	items := storedItems(page.Results, bulk.Skipped)
	if len(items) == 0 {
		return len(bulk.Skipped), nil
	}

	texts := make([]string, len(items))
	for i, item := range items {
		text, err := CanonicalText(item)
		if err != nil {
			return 0, err
		}
		texts[i] = text
	}

	vectors, err := o.encoder.EncodeMany(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %s items: %w", dt, err)
	}
	if len(vectors) != len(items) {
		return 0, fmt.Errorf("embedding %s items: got %d vectors for %d items", dt, len(vectors), len(items))
	}

	var afterMeta any
	if after != "" {
		afterMeta = after
	}
	metadata := make([]vectorindex.Metadata, len(items))
	for i, item := range items {
		metadata[i] = vectorindex.Metadata{
			"type":  string(dt),
			"data":  item,
			"limit": limit,
			"after": afterMeta,
		}
	}

	if err := o.index.AddData(vectors, metadata); err != nil {
		return 0, fmt.Errorf("indexing %s items: %w", dt, err)
	}
	if err := o.index.SaveTodayIndex(); err != nil {
		return 0, fmt.Errorf("saving index: %w", err)
	}
	metrics.IndexVectors.Set(float64(o.index.Len()))

	return len(bulk.Skipped), nil
}

// CanonicalText is the text embedded for an item: its JSON encoding with
// keys in sorted order.
func CanonicalText(item map[string]any) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encoding item text: %w", err)
	}
	return string(b), nil
}

func storedItems(results []map[string]any, skipped []kvstore.SkippedItem) []map[string]any {
	if len(skipped) == 0 {
		return results
	}
	drop := make(map[int]bool, len(skipped))
	for _, s := range skipped {
		drop[s.Index] = true
	}
	kept := make([]map[string]any, 0, len(results)-len(skipped))
	for i, item := range results {
		if !drop[i] {
			kept = append(kept, item)
		}
	}
	return kept
}

func failed(res Result, err error, after string) Result {
	res.Status = StatusError
	res.Error = err.Error()
	res.Pagination.Next.After = nil
	res.ResumeAfter = cursor(after)
	return res
}

func cursor(after string) *string {
	if after == "" {
		return nil
	}
	return &after
}
