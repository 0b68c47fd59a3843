package state

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Mirror is the durable side of the cache: one SQLite file in WAL mode
// shared by the trading process and the supervisor. The upsert carries
// the freshness guard so concurrent writers from both processes cannot
// regress a value.
type Mirror struct {
	db *sql.DB
}

// NewMirror opens or creates the mirror database.
func NewMirror(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state mirror: %w", err)
	}

	// WAL lets the supervisor read while the trading process writes.
	// The busy timeout covers the brief write locks WAL still takes.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key      TEXT PRIMARY KEY,
		ts       INTEGER NOT NULL,
		version  INTEGER NOT NULL,
		data     TEXT    NOT NULL,
		checksum TEXT    NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &Mirror{db: db}, nil
}

// Put upserts a value. Stale writes lose inside the statement itself:
// the update applies only when the incoming (ts, version) is newer.
func (m *Mirror) Put(key string, val Value) error {
	sum := sha256.Sum256(val.Data)

	_, err := m.db.Exec(`
		INSERT INTO kv (key, ts, version, data, checksum)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			ts = excluded.ts,
			version = excluded.version,
			data = excluded.data,
			checksum = excluded.checksum
		WHERE excluded.ts > kv.ts
		   OR (excluded.ts = kv.ts AND excluded.version > kv.version)`,
		key, val.TS.UnixNano(), int64(val.Version), string(val.Data), hex.EncodeToString(sum[:]),
	)
	if err != nil {
		return fmt.Errorf("mirror put failed for %s: %w", key, err)
	}
	return nil
}

// Get reads one key. Returns false when absent.
func (m *Mirror) Get(key string) (Value, bool, error) {
	row := m.db.QueryRow(`SELECT ts, version, data, checksum FROM kv WHERE key = ?`, key)

	var tsNano, version int64
	var data, checksum string
	if err := row.Scan(&tsNano, &version, &data, &checksum); err != nil {
		if err == sql.ErrNoRows {
			return Value{}, false, nil
		}
		return Value{}, false, fmt.Errorf("mirror get failed for %s: %w", key, err)
	}

	if err := verifyChecksum(data, checksum); err != nil {
		return Value{}, false, fmt.Errorf("mirror checksum mismatch for %s: %w", key, err)
	}

	return Value{
		TS:      time.Unix(0, tsNano).UTC(),
		Version: uint64(version),
		Data:    json.RawMessage(data),
	}, true, nil
}

// All reads every key. Rows with a bad checksum are skipped rather
// than failing the whole refresh.
func (m *Mirror) All() (map[string]Value, error) {
	rows, err := m.db.Query(`SELECT key, ts, version, data, checksum FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("mirror scan failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Value)
	for rows.Next() {
		var key, data, checksum string
		var tsNano, version int64
		if err := rows.Scan(&key, &tsNano, &version, &data, &checksum); err != nil {
			return nil, err
		}
		if verifyChecksum(data, checksum) != nil {
			continue
		}
		out[key] = Value{
			TS:      time.Unix(0, tsNano).UTC(),
			Version: uint64(version),
			Data:    json.RawMessage(data),
		}
	}
	return out, rows.Err()
}

// Delete removes a key.
func (m *Mirror) Delete(key string) error {
	_, err := m.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Close closes the underlying database.
func (m *Mirror) Close() error {
	return m.db.Close()
}

func verifyChecksum(data, want string) error {
	sum := sha256.Sum256([]byte(data))
	got := hex.EncodeToString(sum[:])
	if got != want {
		return fmt.Errorf("checksum %s != %s", got, want)
	}
	return nil
}
