package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/taskengine/internal/cache"
)

// Insert implements cache.Store.
func (s *SQLiteStore) Insert(ctx context.Context, entry cache.Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (id, category, complexity, embedding, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.Category), entry.Complexity.String(), cache.EncodeVector(entry.Embedding), entry.Output, entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert cache entry %s: %w", entry.ID, err)
	}
	return nil
}

// Query implements cache.Store. Candidates are filtered in SQL and ranked by
// cosine similarity in Go.
func (s *SQLiteStore) Query(ctx context.Context, vec []float32, filter cache.Filter, limit int) ([]cache.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, output, created_at
		FROM cache_entries
		WHERE category = ? AND complexity = ?
	`, string(filter.Category), filter.Complexity.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}
	defer rows.Close()

	var matches []cache.Match
	for rows.Next() {
		var (
			entry     cache.Entry
			blob      []byte
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &blob, &entry.Output, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}

		entry.Embedding, err = cache.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("cache entry %s: %w", entry.ID, err)
		}
		entry.Category = filter.Category
		entry.Complexity = filter.Complexity
		entry.CreatedAt = time.Unix(0, createdAt)

		matches = append(matches, cache.Match{Entry: entry, Similarity: cache.Cosine(vec, entry.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Prune deletes entries older than maxAge and then the oldest entries beyond
// maxEntries. Zero disables either limit. Returns the number of rows deleted.
func (s *SQLiteStore) Prune(ctx context.Context, maxAge time.Duration, maxEntries int) (int64, error) {
	var deleted int64

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixNano()
		res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("failed to prune expired cache entries: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if maxEntries > 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE id IN (
				SELECT id FROM cache_entries
				ORDER BY created_at DESC
				LIMIT -1 OFFSET ?
			)
		`, maxEntries)
		if err != nil {
			return deleted, fmt.Errorf("failed to prune excess cache entries: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	return deleted, nil
}

// CacheSize returns the number of stored cache entries.
func (s *SQLiteStore) CacheSize(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

var _ cache.Store = (*SQLiteStore)(nil)
