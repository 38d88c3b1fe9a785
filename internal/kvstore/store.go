package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Reserved field names stamped onto every stored item.
const (
	TimestampField  = "_timestamp"
	ObjectTypeField = "_object_type"
)

// TimeLayout is fixed-width UTC so that lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

const lastUpdatedKey = "_last_updated"

// ErrInvalidType is returned by writes when the object type is empty.
var ErrInvalidType = errors.New("object type must not be empty")

// Store is a LevelDB-backed object store keyed by "{type}_{id}".
type Store struct {
	db          *leveldb.DB
	path        string
	lastUpdated *lastUpdated
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for _timestamp and LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the store under <storageDir>/leveldb.
func Open(storageDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	path := filepath.Join(storageDir, "leveldb")
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb at %s: %w", path, err)
	}
	return newStore(db, path, opts), nil
}

// OpenMemory opens a store over in-memory storage. Used by tests.
func OpenMemory(opts ...Option) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory leveldb: %w", err)
	}
	return newStore(db, ":memory:", opts), nil
}

func newStore(db *leveldb.DB, path string, opts []Option) *Store {
	s := &Store{
		db:     db,
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.lastUpdated = loadLastUpdated(db, s.logger)
	s.logger.Info("object store opened", "path", path)
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk location of the database.
func (s *Store) Path() string {
	return s.path
}

func itemKey(objectType, id string) []byte {
	return []byte(objectType + "_" + id)
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(TimeLayout)
}

// stamped returns a shallow copy of data with the reserved fields set.
func stamped(objectType string, data map[string]any, ts string) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out[TimestampField] = ts
	out[ObjectTypeField] = objectType
	return out
}

// Put stores data under (objectType, id), replacing any prior value, and
// updates LastUpdated for the type.
func (s *Store) Put(objectType, id string, data map[string]any) error {
	if objectType == "" {
		return ErrInvalidType
	}
	raw, err := json.Marshal(stamped(objectType, data, s.stamp()))
	if err != nil {
		s.logger.Error("encoding item failed", "object_type", objectType, "id", id, "error", err)
		return fmt.Errorf("encoding %s %s: %w", objectType, id, err)
	}
	if err := s.db.Put(itemKey(objectType, id), raw, nil); err != nil {
		s.logger.Error("storing item failed", "object_type", objectType, "id", id, "error", err)
		return fmt.Errorf("storing %s %s: %w", objectType, id, err)
	}
	s.logger.Debug("stored item", "object_type", objectType, "id", id)
	return s.SetLastUpdated(objectType)
}

// SkippedItem is an item PutBulk did not write.
type SkippedItem struct {
	Index  int
	Reason string
}

// BulkResult reports which items of a PutBulk call were written.
type BulkResult struct {
	Stored  []string
	Skipped []SkippedItem
}

// PutBulk writes items as one atomic batch. Items without idField are skipped
// and reported; they never fail the batch. All items share one timestamp.
func (s *Store) PutBulk(objectType string, items []map[string]any, idField string) (BulkResult, error) {
	var res BulkResult
	if len(items) == 0 {
		s.logger.Debug("no items to store", "object_type", objectType)
		return res, nil
	}
	if objectType == "" {
		return res, ErrInvalidType
	}
	if idField == "" {
		idField = "id"
	}

	ts := s.stamp()
	batch := new(leveldb.Batch)
	for i, item := range items {
		id, ok := itemID(item, idField)
		if !ok {
			s.logger.Warn("skipping item without id", "object_type", objectType, "id_field", idField, "index", i)
			res.Skipped = append(res.Skipped, SkippedItem{Index: i, Reason: "missing " + idField})
			continue
		}
		raw, err := json.Marshal(stamped(objectType, item, ts))
		if err != nil {
			s.logger.Warn("skipping unencodable item", "object_type", objectType, "id", id, "error", err)
			res.Skipped = append(res.Skipped, SkippedItem{Index: i, Reason: err.Error()})
			continue
		}
		batch.Put(itemKey(objectType, id), raw)
		res.Stored = append(res.Stored, id)
	}

	if batch.Len() == 0 {
		return res, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		s.logger.Error("bulk write failed", "object_type", objectType, "count", batch.Len(), "error", err)
		return BulkResult{Skipped: res.Skipped}, fmt.Errorf("writing %s batch: %w", objectType, err)
	}
	s.logger.Info("stored items", "object_type", objectType, "count", len(res.Stored), "skipped", len(res.Skipped))

	return res, s.SetLastUpdated(objectType)
}

// itemID extracts the identifier as a string. Numeric ids are formatted
// without a fractional part when integral.
func itemID(item map[string]any, field string) (string, bool) {
	v, ok := item[field]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id)), true
		}
		return fmt.Sprintf("%v", id), true
	case json.Number:
		return id.String(), true
	default:
		return fmt.Sprintf("%v", id), true
	}
}

// Get returns the stored object, or false when absent or unreadable.
func (s *Store) Get(objectType, id string) (map[string]any, bool) {
	raw, err := s.db.Get(itemKey(objectType, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		s.logger.Debug("item not found", "object_type", objectType, "id", id)
		return nil, false
	}
	if err != nil {
		s.logger.Error("reading item failed", "object_type", objectType, "id", id, "error", err)
		return nil, false
	}
	var item map[string]any
	if err := json.Unmarshal(raw, &item); err != nil {
		s.logger.Error("decoding item failed", "object_type", objectType, "id", id, "error", err)
		return nil, false
	}
	return item, true
}

// ScanResult is the outcome of a prefix scan.
type ScanResult struct {
	Items   []map[string]any
	Corrupt []string
}

// Scan reads every item of objectType, newest first. Records that fail to
// decode are listed in Corrupt and the scan continues. limit <= 0 means all.
func (s *Store) Scan(objectType string, limit int) (ScanResult, error) {
	var res ScanResult
	if objectType == "" {
		return res, ErrInvalidType
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(objectType+"_")), nil)
	for iter.Next() {
		var item map[string]any
		if err := json.Unmarshal(iter.Value(), &item); err != nil {
			key := string(iter.Key())
			s.logger.Error("skipping corrupt record", "key", key, "error", err)
			res.Corrupt = append(res.Corrupt, key)
			continue
		}
		if t, ok := item[ObjectTypeField].(string); ok && t != objectType {
			continue
		}
		res.Items = append(res.Items, item)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return ScanResult{}, fmt.Errorf("scanning %s: %w", objectType, err)
	}

	sort.SliceStable(res.Items, func(i, j int) bool {
		ti, _ := res.Items[i][TimestampField].(string)
		tj, _ := res.Items[j][TimestampField].(string)
		if ti == "" || tj == "" {
			return ti != "" && tj == ""
		}
		return strings.Compare(ti, tj) > 0
	})
	if limit > 0 && len(res.Items) > limit {
		res.Items = res.Items[:limit]
	}
	return res, nil
}

// GetAllByType returns items of objectType sorted by _timestamp descending.
// Backing-store errors are logged and yield an empty slice.
func (s *Store) GetAllByType(objectType string, limit int) []map[string]any {
	res, err := s.Scan(objectType, limit)
	if err != nil {
		s.logger.Error("listing items failed", "object_type", objectType, "error", err)
		return []map[string]any{}
	}
	if res.Items == nil {
		return []map[string]any{}
	}
	s.logger.Debug("listed items", "object_type", objectType, "count", len(res.Items))
	return res.Items
}

// Delete removes (objectType, id) and reports whether a value existed.
func (s *Store) Delete(objectType, id string) bool {
	key := itemKey(objectType, id)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		s.logger.Error("checking item failed", "object_type", objectType, "id", id, "error", err)
		return false
	}
	if !exists {
		return false
	}
	if err := s.db.Delete(key, nil); err != nil {
		s.logger.Error("deleting item failed", "object_type", objectType, "id", id, "error", err)
		return false
	}
	s.logger.Debug("deleted item", "object_type", objectType, "id", id)
	return true
}

// GetLastUpdated returns the last bulk-write time recorded for objectType.
func (s *Store) GetLastUpdated(objectType string) (string, bool) {
	return s.lastUpdated.get(objectType)
}

// SetLastUpdated stamps objectType with now and persists the side table.
func (s *Store) SetLastUpdated(objectType string) error {
	return s.lastUpdated.set(s.db, objectType, s.stamp())
}

// LastUpdatedAll returns a copy of the whole side table.
func (s *Store) LastUpdatedAll() map[string]string {
	return s.lastUpdated.snapshot()
}
