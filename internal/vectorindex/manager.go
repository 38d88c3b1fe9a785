package vectorindex

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// Manager owns today's index generation and the daily snapshots on disk
// under <dir>/index_YYYY-MM-DD.db.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	date   string
	active *Index
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source that decides the calendar date.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Open creates dir if needed and loads today's snapshot. When no snapshot
// exists for today, the generation is seeded from the most recent earlier one.
func Open(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	m := &Manager{
		dir:    dir,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}

	m.date = m.today()
	active, err := m.seed(m.date)
	if err != nil {
		return nil, err
	}
	m.active = active
	m.logger.Info("vector index opened", "dir", dir, "date", m.date, "vectors", active.Len())
	return m, nil
}

func (m *Manager) today() string {
	return m.now().Format(dateLayout)
}

func (m *Manager) snapshotPath(date string) string {
	return filepath.Join(m.dir, "index_"+date+".db")
}

// seed loads the snapshot for date, or the latest snapshot before it.
func (m *Manager) seed(date string) (*Index, error) {
	dates, err := m.listSnapshots()
	if err != nil {
		return nil, err
	}
	var from string
	for i := len(dates) - 1; i >= 0; i-- {
		if dates[i] <= date {
			from = dates[i]
			break
		}
	}
	if from == "" {
		return newIndex(), nil
	}
	ix, err := loadSnapshot(m.snapshotPath(from))
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", from, err)
	}
	if from != date {
		ix = ix.compact()
		m.logger.Info("seeded today's index from earlier snapshot", "from", from, "date", date, "vectors", ix.Len())
	}
	return ix, nil
}

// rollover starts a new generation when the calendar date has changed. The
// new generation carries only the newest vector per object.
// Callers must hold m.mu for writing.
func (m *Manager) rollover() {
	today := m.today()
	if today == m.date {
		return
	}
	if _, err := saveSnapshot(m.snapshotPath(m.date), m.active); err != nil {
		m.logger.Error("saving index before rollover failed", "date", m.date, "error", err)
	}
	next := m.active.compact()
	m.logger.Info("vector index rolled over", "from", m.date, "to", today,
		"vectors", m.active.Len(), "kept", next.Len())
	m.active = next
	m.date = today
}

// AddData appends vectors and their metadata in lockstep.
func (m *Manager) AddData(vectors [][]float32, metadata []Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	if err := m.active.add(vectors, metadata); err != nil {
		return err
	}
	m.logger.Debug("added vectors", "count", len(vectors), "total", m.active.Len())
	return nil
}

// Search returns the k nearest live vectors in today's generation. k is
// clamped to the number of stored vectors; an empty index yields no hits.
func (m *Manager) Search(query []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.search(query, k)
}

// SearchSnapshot searches the generation persisted for date.
func (m *Manager) SearchSnapshot(date string, query []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	if date == m.date {
		defer m.mu.RUnlock()
		return m.active.search(query, k)
	}
	m.mu.RUnlock()

	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("invalid snapshot date %q: %w", date, err)
	}
	path := m.snapshotPath(date)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", date, err)
	}
	ix, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return ix.search(query, k)
}

// SaveTodayIndex persists the active generation under the current date.
func (m *Manager) SaveTodayIndex() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	added, err := saveSnapshot(m.snapshotPath(m.date), m.active)
	if err != nil {
		return fmt.Errorf("saving index for %s: %w", m.date, err)
	}
	m.logger.Info("saved vector index", "date", m.date, "vectors", m.active.Len(), "new", added)
	return nil
}

// Len returns the number of vectors in today's generation.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Len()
}

// Live returns the number of vectors in today's generation that search can
// return: one per object plus any vectors without an object id.
func (m *Manager) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Live()
}

// Dimension returns the vector dimension of today's generation.
func (m *Manager) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Dimension()
}

// Date returns the calendar date of the active generation.
func (m *Manager) Date() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.date
}

// Snapshots returns the dates of all snapshots on disk, oldest first.
func (m *Manager) Snapshots() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSnapshots()
}

func (m *Manager) listSnapshots() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading index directory: %w", err)
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "index_") || !strings.HasSuffix(name, ".db") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, "index_"), ".db")
		if _, err := time.Parse(dateLayout, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, nil
}

// Prune deletes snapshots beyond the newest keep. The active date is never
// removed. It returns the deleted dates.
func (m *Manager) Prune(keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dates, err := m.listSnapshots()
	if err != nil {
		return nil, err
	}
	if len(dates) <= keep {
		return nil, nil
	}
	var removed []string
	for _, date := range dates[:len(dates)-keep] {
		if date == m.date {
			continue
		}
		if err := os.Remove(m.snapshotPath(date)); err != nil {
			return removed, fmt.Errorf("removing snapshot %s: %w", date, err)
		}
		removed = append(removed, date)
	}
	if len(removed) > 0 {
		m.logger.Info("pruned index snapshots", "removed", len(removed), "kept", keep)
	}
	return removed, nil
}
