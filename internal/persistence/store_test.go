package persistence

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/taskengine/internal/cache"
	"github.com/aristath/taskengine/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// unitAt returns a 2-d unit vector whose cosine with (1, 0) is sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func insertEntry(t *testing.T, store *SQLiteStore, id string, vec []float32, category scheduler.Category, complexity scheduler.Complexity, created time.Time) {
	t.Helper()
	err := store.Insert(context.Background(), cache.Entry{
		ID:         id,
		Embedding:  vec,
		Output:     "output of " + id,
		Category:   category,
		Complexity: complexity,
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatalf("failed to insert %s: %v", id, err)
	}
}

func TestNewSQLiteStoreCreatesFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "taskengine.db")

	store, err := NewSQLiteStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	insertEntry(t, store, "e1", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexityMedium, time.Now())
	n, err := store.CacheSize(context.Background())
	if err != nil {
		t.Fatalf("CacheSize failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry, got %d", n)
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)

	insertEntry(t, a, "only-in-a", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexitySimple, time.Now())

	n, err := b.CacheSize(context.Background())
	if err != nil {
		t.Fatalf("CacheSize failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty second store, got %d entries", n)
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	insertEntry(t, store, "far", unitAt(0.5), scheduler.CategoryAPI, scheduler.ComplexityMedium, now)
	insertEntry(t, store, "near", unitAt(0.9), scheduler.CategoryAPI, scheduler.ComplexityMedium, now)
	insertEntry(t, store, "exact", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexityMedium, now)

	matches, err := store.Query(ctx, []float32{1, 0}, cache.Filter{Category: scheduler.CategoryAPI, Complexity: scheduler.ComplexityMedium}, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Entry.ID != "exact" || matches[1].Entry.ID != "near" {
		t.Errorf("unexpected order: %s, %s", matches[0].Entry.ID, matches[1].Entry.ID)
	}
	if math.Abs(matches[1].Similarity-0.9) > 1e-4 {
		t.Errorf("expected similarity ~0.9, got %f", matches[1].Similarity)
	}
	if matches[0].Entry.Output != "output of exact" {
		t.Errorf("unexpected output %q", matches[0].Entry.Output)
	}
	if matches[0].Entry.Category != scheduler.CategoryAPI || matches[0].Entry.Complexity != scheduler.ComplexityMedium {
		t.Errorf("filter fields not populated: %+v", matches[0].Entry)
	}
}

func TestQueryFiltersByCategoryAndComplexity(t *testing.T) {
	store := testStore(t)
	now := time.Now()

	insertEntry(t, store, "api-medium", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexityMedium, now)
	insertEntry(t, store, "api-complex", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexityComplex, now)
	insertEntry(t, store, "db-medium", unitAt(1), scheduler.CategoryDatabase, scheduler.ComplexityMedium, now)

	tests := []struct {
		name   string
		filter cache.Filter
		want   string
	}{
		{"api medium", cache.Filter{Category: scheduler.CategoryAPI, Complexity: scheduler.ComplexityMedium}, "api-medium"},
		{"api complex", cache.Filter{Category: scheduler.CategoryAPI, Complexity: scheduler.ComplexityComplex}, "api-complex"},
		{"database medium", cache.Filter{Category: scheduler.CategoryDatabase, Complexity: scheduler.ComplexityMedium}, "db-medium"},
		{"no match", cache.Filter{Category: scheduler.CategoryTest, Complexity: scheduler.ComplexityMedium}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := store.Query(context.Background(), []float32{1, 0}, tt.filter, 5)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if tt.want == "" {
				if len(matches) != 0 {
					t.Errorf("expected no matches, got %d", len(matches))
				}
				return
			}
			if len(matches) != 1 || matches[0].Entry.ID != tt.want {
				t.Errorf("expected [%s], got %+v", tt.want, matches)
			}
		})
	}
}

func TestInsertDuplicateID(t *testing.T) {
	store := testStore(t)
	insertEntry(t, store, "dup", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexitySimple, time.Now())

	err := store.Insert(context.Background(), cache.Entry{
		ID:        "dup",
		Embedding: unitAt(1),
		Output:    "again",
		Category:  scheduler.CategoryAPI,
	})
	if err == nil {
		t.Fatal("expected error on duplicate entry id")
	}
}

func TestPrune(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		maxAge      time.Duration
		maxEntries  int
		wantDeleted int64
		wantLeft    int
	}{
		{"no limits", 0, 0, 0, 4},
		{"by age", time.Hour, 0, 2, 2},
		{"by count", 0, 1, 3, 1},
		{"age then count", time.Hour, 1, 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testStore(t)
			insertEntry(t, store, "old-1", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexitySimple, now.Add(-3*time.Hour))
			insertEntry(t, store, "old-2", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexitySimple, now.Add(-2*time.Hour))
			insertEntry(t, store, "new-1", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexitySimple, now.Add(-time.Minute))
			insertEntry(t, store, "new-2", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexitySimple, now)

			deleted, err := store.Prune(context.Background(), tt.maxAge, tt.maxEntries)
			if err != nil {
				t.Fatalf("Prune failed: %v", err)
			}
			if deleted != tt.wantDeleted {
				t.Errorf("expected %d deleted, got %d", tt.wantDeleted, deleted)
			}

			n, err := store.CacheSize(context.Background())
			if err != nil {
				t.Fatalf("CacheSize failed: %v", err)
			}
			if n != tt.wantLeft {
				t.Errorf("expected %d left, got %d", tt.wantLeft, n)
			}
		})
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	store := testStore(t)
	now := time.Now()
	insertEntry(t, store, "old", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexitySimple, now.Add(-time.Hour))
	insertEntry(t, store, "new", unitAt(1), scheduler.CategoryAPI, scheduler.ComplexitySimple, now)

	if _, err := store.Prune(context.Background(), 0, 1); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	matches, err := store.Query(context.Background(), []float32{1, 0}, cache.Filter{Category: scheduler.CategoryAPI, Complexity: scheduler.ComplexitySimple}, 5)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Entry.ID != "new" {
		t.Errorf("expected only the newest entry, got %+v", matches)
	}
}

func TestSemanticCacheOverSQLite(t *testing.T) {
	store := testStore(t)
	c := cache.New(cache.NewHashEmbedder(0), store, cache.Config{}, nil)
	ctx := context.Background()

	task := &scheduler.Task{
		ID:          "t1",
		Description: "add pagination to the users endpoint",
		Category:    scheduler.CategoryAPI,
		Complexity:  scheduler.ComplexityMedium,
	}

	if _, ok := c.Lookup(ctx, task); ok {
		t.Fatal("expected miss on empty store")
	}

	c.Store(ctx, task, "done: pagination added")
	c.Wait()

	hit, ok := c.Lookup(ctx, task)
	if !ok {
		t.Fatal("expected hit after store")
	}
	if hit.NeedsAdaptation {
		t.Errorf("identical description should be an exact hit, similarity %f", hit.Similarity)
	}
	if hit.Output != "done: pagination added" {
		t.Errorf("unexpected output %q", hit.Output)
	}
}
