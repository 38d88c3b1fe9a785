package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// lastUpdated is the in-memory copy of the _last_updated record. It is
// loaded once at open and written through on every change.
type lastUpdated struct {
	mu     sync.RWMutex
	byType map[string]string
	logger *slog.Logger
}

func loadLastUpdated(db *leveldb.DB, logger *slog.Logger) *lastUpdated {
	lu := &lastUpdated{byType: make(map[string]string), logger: logger}

	raw, err := db.Get([]byte(lastUpdatedKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return lu
	}
	if err != nil {
		logger.Error("loading last updated timestamps failed", "error", err)
		return lu
	}
	if err := json.Unmarshal(raw, &lu.byType); err != nil {
		logger.Error("decoding last updated timestamps failed", "error", err)
		lu.byType = make(map[string]string)
		return lu
	}
	logger.Debug("loaded last updated timestamps", "types", len(lu.byType))
	return lu
}

func (lu *lastUpdated) get(objectType string) (string, bool) {
	lu.mu.RLock()
	defer lu.mu.RUnlock()
	ts, ok := lu.byType[objectType]
	return ts, ok
}

func (lu *lastUpdated) set(db *leveldb.DB, objectType, ts string) error {
	lu.mu.Lock()
	defer lu.mu.Unlock()

	lu.byType[objectType] = ts
	raw, err := json.Marshal(lu.byType)
	if err != nil {
		return fmt.Errorf("encoding last updated timestamps: %w", err)
	}
	if err := db.Put([]byte(lastUpdatedKey), raw, nil); err != nil {
		lu.logger.Error("saving last updated timestamps failed", "error", err)
		return fmt.Errorf("saving last updated timestamps: %w", err)
	}
	return nil
}

func (lu *lastUpdated) snapshot() map[string]string {
	lu.mu.RLock()
	defer lu.mu.RUnlock()
	out := make(map[string]string, len(lu.byType))
	for k, v := range lu.byType {
		out[k] = v
	}
	return out
}
