package store

import (
	"context"
	"os"

	"github.com/rcliao/storyloom/internal/model"
)

// Stats holds cache statistics.
type Stats struct {
	DBPath         string                `json:"db_path"`
	DBSizeBytes    int64                 `json:"db_size_bytes"`
	Sessions       int                   `json:"sessions"`
	Messages       int                   `json:"messages"`
	TotalFragments int                   `json:"total_fragments"`
	Kinds          []KindStats           `json:"kinds"`
	Ops            map[model.OpState]int `json:"ops"`
}

// KindStats holds per-kind fragment counts.
type KindStats struct {
	Kind      model.Kind `json:"kind"`
	Count     int        `json:"count"`
	AvgLength float64    `json:"avg_length"`
}

// Stats returns cache statistics. An empty sessionID covers every session.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath, sessionID string) (*Stats, error) {
	st := &Stats{DBPath: dbPath, Ops: make(map[model.OpState]int)}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	where, args := "", []interface{}{}
	if sessionID != "" {
		where = " WHERE session_id = ?"
		args = append(args, sessionID)
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&st.Messages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments`+where, args...).Scan(&st.TotalFragments)

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) AS cnt, AVG(LENGTH(text))
		FROM fragments`+where+`
		GROUP BY kind ORDER BY cnt DESC`, args...)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var ks KindStats
		var kind string
		rows.Scan(&kind, &ks.Count, &ks.AvgLength)
		ks.Kind = model.Kind(kind)
		st.Kinds = append(st.Kinds, ks)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_ops GROUP BY state`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		rows.Scan(&state, &n)
		st.Ops[model.OpState(state)] = n
	}

	return st, rows.Err()
}
