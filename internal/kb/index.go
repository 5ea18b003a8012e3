package kb

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// DefaultDupThreshold is the cosine similarity at or above which a new note
// is treated as a duplicate of an indexed one.
const DefaultDupThreshold = 0.92

// Entry is one indexed note.
type Entry struct {
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	Snippet   string    `json:"textSnippet"`
	Embedding []float64 `json:"embedding,omitempty"`
}

// Config holds index parameters.
type Config struct {
	Embedder     Embedder // may be nil: keyword ranking only, no similarity dedup
	VectorSearch bool     // rank by embeddings when possible
	DupThreshold float64  // 0 = DefaultDupThreshold
	Logger       *slog.Logger
}

// Index is the title-keyed store of generated notes, with brute-force
// vector ranking and a keyword fallback. Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries []Entry
	byTitle map[string]int

	embedder     Embedder
	vectorSearch bool
	dupThreshold float64
	log          *slog.Logger
}

// New creates an index seeded with entries. Later duplicates of a title
// replace earlier ones.
func New(cfg Config, entries []Entry) *Index {
	threshold := cfg.DupThreshold
	if threshold == 0 {
		threshold = DefaultDupThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{
		byTitle:      make(map[string]int, len(entries)),
		embedder:     cfg.Embedder,
		vectorSearch: cfg.VectorSearch,
		dupThreshold: threshold,
		log:          logger,
	}
	for _, e := range entries {
		ix.upsertLocked(e)
	}
	return ix
}

// Upsert inserts e, or replaces the entry with the same title in place.
func (ix *Index) Upsert(e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.upsertLocked(e)
}

func (ix *Index) upsertLocked(e Entry) {
	if i, ok := ix.byTitle[e.Title]; ok {
		ix.entries[i] = e
		return
	}
	ix.byTitle[e.Title] = len(ix.entries)
	ix.entries = append(ix.entries, e)
}

// Replace discards every entry and seeds the index with entries.
func (ix *Index) Replace(entries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
	ix.byTitle = make(map[string]int, len(entries))
	for _, e := range entries {
		ix.upsertLocked(e)
	}
}

// Get returns the entry for title.
func (ix *Index) Get(title string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	i, ok := ix.byTitle[title]
	if !ok {
		return Entry{}, false
	}
	return ix.entries[i], true
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Entries returns a copy of all entries in insertion order.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Entry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// Embed computes the embedding for title+snippet. Failures are logged and
// yield nil so the caller can store the entry without a vector.
func (ix *Index) Embed(ctx context.Context, title, snippet string) []float64 {
	if ix.embedder == nil {
		return nil
	}
	emb, err := ix.embedder.Embed(ctx, embeddingText(title, snippet))
	if err != nil || !validVector(emb) {
		ix.log.Warn("kb: embedding failed, entry falls back to keyword ranking", "title", title, "error", err)
		return nil
	}
	return emb
}

// Relevant returns the k entries most relevant to query. The query is
// embedded only when vector search is enabled and some entry has a vector.
func (ix *Index) Relevant(ctx context.Context, query string, k int) []Entry {
	entries := ix.Entries()
	var queryEmb []float64
	if ix.vectorSearch && ix.embedder != nil && anyEmbedded(entries) {
		emb, err := ix.embedder.Embed(ctx, query)
		if err != nil {
			ix.log.Warn("kb: query embedding failed, using keyword ranking", "error", err)
		} else {
			queryEmb = emb
		}
	}
	return Rank(entries, query, queryEmb, ix.vectorSearch, k)
}

// Rank orders entries by relevance to the query and returns at most k.
// Vector ranking is used when enabled, queryEmb is valid, and at least one
// entry carries an embedding; otherwise keyword overlap is used.
func Rank(entries []Entry, query string, queryEmb []float64, vectorSearch bool, k int) []Entry {
	if k <= 0 || len(entries) == 0 {
		return nil
	}
	if vectorSearch && validVector(queryEmb) && anyEmbedded(entries) {
		return rankVector(entries, queryEmb, k)
	}
	return rankKeyword(entries, query, k)
}

type scored struct {
	entry Entry
	score float64
}

func rankVector(entries []Entry, queryEmb []float64, k int) []Entry {
	var candidates []scored
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, scored{entry: e, score: CosineSimilarity(queryEmb, e.Embedding)})
	}
	return topK(candidates, k)
}

func rankKeyword(entries []Entry, query string, k int) []Entry {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		if len(entries) > k {
			entries = entries[:k]
		}
		out := make([]Entry, len(entries))
		copy(out, entries)
		return out
	}

	candidates := make([]scored, len(entries))
	for i, e := range entries {
		overlap := 0
		for tok := range tokenSet(e.Title + " " + e.Snippet) {
			if _, ok := queryTokens[tok]; ok {
				overlap++
			}
		}
		candidates[i] = scored{entry: e, score: float64(overlap)}
	}
	return topK(candidates, k)
}

// topK sorts by score descending, keeping input order for ties.
func topK(candidates []scored, k int) []Entry {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out
}

func anyEmbedded(entries []Entry) bool {
	for _, e := range entries {
		if len(e.Embedding) > 0 {
			return true
		}
	}
	return false
}
