package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/storyloom/internal/model"
)

// SearchParams holds parameters for a substring search over fragment text.
type SearchParams struct {
	SessionID string
	Query     string
	Kind      model.Kind
	Limit     int
}

// Search finds a session's fragments whose text contains the query,
// case-insensitively, newest first. It is a keyword lookup for people
// browsing the cache; ranking for prompts goes through retrieval.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]model.MemoryFragment, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"session_id = ?", "text LIKE ? ESCAPE '\\'"}
	args := []interface{}{p.SessionID, "%" + escapeLike(p.Query) + "%"}
	if p.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(p.Kind))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY timestamp DESC, reference_id ASC
		 LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search fragments: %w", err)
	}
	defer rows.Close()

	var results []model.MemoryFragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(q)
}
