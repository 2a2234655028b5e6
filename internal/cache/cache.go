// Package cache short-circuits repeated work by looking up prior task results
// through embedding similarity.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/taskengine/internal/scheduler"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Filter restricts a query to entries produced by the same kind of task.
type Filter struct {
	Category   scheduler.Category
	Complexity scheduler.Complexity
}

// Entry is a stored result. Entries are never mutated after Insert.
type Entry struct {
	ID         string               `json:"id"`
	Embedding  []float32            `json:"embedding"`
	Output     string               `json:"output"`
	Category   scheduler.Category   `json:"category"`
	Complexity scheduler.Complexity `json:"complexity"`
	CreatedAt  time.Time            `json:"created_at"`
}

func (e Entry) matches(f Filter) bool {
	return e.Category == f.Category && e.Complexity == f.Complexity
}

// Match is a query result ranked by similarity.
type Match struct {
	Entry      Entry
	Similarity float64
}

// Store is a vector-similarity store. Query returns at most limit matches
// ordered by descending similarity.
type Store interface {
	Query(ctx context.Context, vec []float32, filter Filter, limit int) ([]Match, error)
	Insert(ctx context.Context, entry Entry) error
}

// Hit is a successful lookup.
type Hit struct {
	EntryID         string
	Output          string
	Similarity      float64
	NeedsAdaptation bool // Similar but not close enough to reuse verbatim
}

// Config tunes the semantic cache.
type Config struct {
	ExactThreshold float64       // Reuse verbatim at or above (default 0.95)
	NearThreshold  float64       // Reuse with adaptation at or above (default 0.85)
	LookupTimeout  time.Duration // Bound on embed+query during lookup (default 2s)
	StoreTimeout   time.Duration // Bound on embed+insert during store (default 10s)
	Candidates     int           // Matches requested from the store (default 5)

	// Eligible decides whether an output is worth caching. Nil caches every
	// non-empty output.
	Eligible func(task *scheduler.Task, output string) bool
}

// DefaultConfig returns the default thresholds and timeouts.
func DefaultConfig() Config {
	return Config{
		ExactThreshold: 0.95,
		NearThreshold:  0.85,
		LookupTimeout:  2 * time.Second,
		StoreTimeout:   10 * time.Second,
		Candidates:     5,
	}
}

// SemanticCache looks up and stores task results by description similarity.
// Every failure of the embedder or store degrades to a miss.
type SemanticCache struct {
	embedder Embedder
	store    Store
	cfg      Config
	log      *zap.Logger
	wg       sync.WaitGroup
}

// New creates a semantic cache. Zero Config fields take their defaults.
func New(embedder Embedder, store Store, cfg Config, log *zap.Logger) *SemanticCache {
	d := DefaultConfig()
	if cfg.ExactThreshold <= 0 {
		cfg.ExactThreshold = d.ExactThreshold
	}
	if cfg.NearThreshold <= 0 {
		cfg.NearThreshold = d.NearThreshold
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = d.LookupTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = d.StoreTimeout
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = d.Candidates
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &SemanticCache{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		log:      log,
	}
}

// Lookup returns the closest stored result for task, if it is similar enough.
func (c *SemanticCache) Lookup(ctx context.Context, task *scheduler.Task) (Hit, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	vec, err := c.embedder.Embed(ctx, task.Description)
	if err != nil {
		c.log.Warn("Cache embed failed, treating as miss",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return Hit{}, false
	}

	matches, err := c.store.Query(ctx, vec, Filter{Category: task.Category, Complexity: task.Complexity}, c.cfg.Candidates)
	if err != nil {
		c.log.Warn("Cache query failed, treating as miss",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return Hit{}, false
	}

	var best *Match
	for i := range matches {
		if best == nil || matches[i].Similarity > best.Similarity {
			best = &matches[i]
		}
	}
	if best == nil || best.Similarity < c.cfg.NearThreshold {
		return Hit{}, false
	}

	return Hit{
		EntryID:         best.Entry.ID,
		Output:          best.Entry.Output,
		Similarity:      best.Similarity,
		NeedsAdaptation: best.Similarity < c.cfg.ExactThreshold,
	}, true
}

// Store records output for task in the background. It never blocks on the
// embedder or store and never reports an error; call Wait to flush.
func (c *SemanticCache) Store(ctx context.Context, task *scheduler.Task, output string) {
	if !c.eligible(task, output) {
		return
	}

	t := *task
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		// Outlive the caller's context; storing is best effort after the task finished
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreTimeout)
		defer cancel()

		vec, err := c.embedder.Embed(ctx, t.Description)
		if err != nil {
			c.log.Warn("Cache store embed failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}

		entry := Entry{
			ID:         uuid.NewString(),
			Embedding:  vec,
			Output:     output,
			Category:   t.Category,
			Complexity: t.Complexity,
			CreatedAt:  time.Now(),
		}
		if err := c.store.Insert(ctx, entry); err != nil {
			c.log.Warn("Cache insert failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		c.log.Debug("Cached task result", zap.String("task_id", t.ID), zap.String("entry_id", entry.ID))
	}()
}

// Wait blocks until every pending Store has finished.
func (c *SemanticCache) Wait() {
	c.wg.Wait()
}

func (c *SemanticCache) eligible(task *scheduler.Task, output string) bool {
	if c.cfg.Eligible != nil {
		return c.cfg.Eligible(task, output)
	}
	return output != ""
}
