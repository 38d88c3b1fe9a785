package vectorindex

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	_ "modernc.org/sqlite"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS index_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS vectors (
	id INTEGER PRIMARY KEY,
	embedding BLOB NOT NULL,
	metadata TEXT NOT NULL
);`

func openSnapshotDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshot schema: %w", err)
	}
	return db, nil
}

// saveSnapshot writes ix to path. Rows already present are kept; only
// vectors beyond the stored count are inserted. A file holding more rows
// than ix (or a different dimension) is rewritten from scratch.
func saveSnapshot(path string, ix *Index) (int, error) {
	db, err := openSnapshotDB(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning snapshot transaction: %w", err)
	}

	var stored int
	if err := tx.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&stored); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("counting stored vectors: %w", err)
	}
	var storedDim string
	err = tx.QueryRow("SELECT value FROM index_meta WHERE key = 'dimension'").Scan(&storedDim)
	if err != nil && err != sql.ErrNoRows {
		tx.Rollback()
		return 0, fmt.Errorf("reading stored dimension: %w", err)
	}
	if stored > ix.Len() || (storedDim != "" && storedDim != strconv.Itoa(ix.dim)) {
		if _, err := tx.Exec("DELETE FROM vectors"); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("clearing snapshot: %w", err)
		}
		stored = 0
	}

	if _, err := tx.Exec(`INSERT INTO index_meta (key, value) VALUES ('dimension', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(ix.dim)); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("writing dimension: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO vectors (id, embedding, metadata) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for id := stored; id < ix.Len(); id++ {
		meta, err := json.Marshal(ix.metadata[id])
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("encoding metadata %d: %w", id, err)
		}
		if _, err := stmt.Exec(id, encodeFloat32s(ix.vectors[id]), string(meta)); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("inserting vector %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing snapshot: %w", err)
	}
	return ix.Len() - stored, nil
}

// loadSnapshot reads an index back from path.
func loadSnapshot(path string) (*Index, error) {
	db, err := openSnapshotDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	ix := newIndex()
	var dim string
	err = db.QueryRow("SELECT value FROM index_meta WHERE key = 'dimension'").Scan(&dim)
	if err == sql.ErrNoRows {
		return ix, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading dimension: %w", err)
	}
	if ix.dim, err = strconv.Atoi(dim); err != nil {
		return nil, fmt.Errorf("parsing dimension %q: %w", dim, err)
	}

	rows, err := db.Query("SELECT id, embedding, metadata FROM vectors ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int
		var blob []byte
		var rawMeta string
		if err := rows.Scan(&id, &blob, &rawMeta); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding vector %d: %w", id, err)
		}
		if len(vec) != ix.dim {
			return nil, fmt.Errorf("%w: stored vector %d has %d dimensions, want %d", ErrDimensionMismatch, id, len(vec), ix.dim)
		}
		var meta Metadata
		if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata %d: %w", id, err)
		}
		ix.push(vec, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vectors: %w", err)
	}
	return ix, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
