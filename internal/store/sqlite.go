package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/storyloom/internal/model"
)

// Options configures a SQLiteStore.
type Options struct {
	// Dims is the embedding dimensionality enforced on insert. Zero disables
	// the check.
	Dims int
}

// SQLiteStore is the local cache: fragments, sessions, messages and the
// sync op log, all in one SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	dims int

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy

	now func() time.Time
}

// Open opens or creates a SQLite database at the given path. Ops left
// in flight by a previous process are returned to pending.
func Open(dbPath string, opts Options) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers; reads never hold a cursor across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		dims:    opts.Dims,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.ResetInFlight(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("reset in-flight ops: %w", err)
	}

	return s, nil
}

// NewID returns a new time-sortable identifier. IDs minted within the same
// millisecond still sort in creation order.
func (s *SQLiteStore) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// Dims returns the configured embedding dimensionality.
func (s *SQLiteStore) Dims() int { return s.dims }

// SetClock replaces the store's clock.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteStore) nowMillis() int64 { return s.now().UnixMilli() }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		story_id    TEXT NOT NULL,
		title       TEXT NOT NULL,
		kind        TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		seq         INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_story ON sessions(story_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS fragments (
		reference_id      TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL,
		text              TEXT NOT NULL,
		kind              TEXT NOT NULL,
		timestamp         INTEGER NOT NULL,
		role_id           TEXT,
		embedding         BLOB,
		pinned            INTEGER NOT NULL DEFAULT 0,
		source_message_id TEXT,
		seq               INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_session_ts ON fragments(session_id, timestamp, reference_id);
	CREATE INDEX IF NOT EXISTS idx_fragments_session_kind ON fragments(session_id, kind);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		timestamp   INTEGER NOT NULL,
		status      TEXT NOT NULL,
		parent_id   TEXT,
		version     INTEGER NOT NULL DEFAULT 1,
		error       TEXT,
		seq         INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, timestamp, id);
	CREATE INDEX IF NOT EXISTS idx_messages_lineage ON messages(session_id, parent_id, role, version);

	CREATE TABLE IF NOT EXISTS sync_ops (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id            TEXT NOT NULL UNIQUE,
		entity_type      TEXT NOT NULL,
		entity_id        TEXT NOT NULL,
		op               TEXT NOT NULL,
		payload          TEXT,
		local_timestamp  INTEGER NOT NULL,
		attempt_count    INTEGER NOT NULL DEFAULT 0,
		state            TEXT NOT NULL DEFAULT 'pending',
		next_attempt_at  INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_ops_state ON sync_ops(state, seq);
	CREATE INDEX IF NOT EXISTS idx_sync_ops_entity ON sync_ops(entity_type, entity_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// appendOp records the write-ahead op for a local mutation inside tx.
func (s *SQLiteStore) appendOp(ctx context.Context, tx *sql.Tx, et model.EntityType, id string, op model.OpKind, payload any) error {
	var body *string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal op payload: %w", err)
		}
		str := string(b)
		body = &str
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_ops (op_id, entity_type, entity_id, op, payload, local_timestamp, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.NewID(), string(et), id, string(op), body, s.nowMillis(), string(model.OpPending))
	if err != nil {
		return fmt.Errorf("append op: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
