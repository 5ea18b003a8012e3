package kb

import "context"

// Verdict is the outcome of checking a candidate note against the index.
type Verdict struct {
	Duplicate  bool
	Match      string    // title of the indexed entry it duplicates
	Similarity float64   // highest similarity seen (1 for a title match)
	Embedding  []float64 // candidate embedding, nil if embedding failed
}

// CheckDuplicate decides whether a candidate note may be committed. An
// identical title is always a duplicate and is not embedded. Otherwise the
// candidate is embedded from title+snippet and compared against every
// indexed vector; a maximum similarity at or above the threshold rejects it.
//
// When embedding fails the candidate is admitted without a vector.
func (ix *Index) CheckDuplicate(ctx context.Context, title, snippet string) Verdict {
	if _, ok := ix.Get(title); ok {
		return Verdict{Duplicate: true, Match: title, Similarity: 1}
	}

	emb := ix.Embed(ctx, title, snippet)
	if emb == nil {
		return Verdict{}
	}

	v := Verdict{Embedding: emb}
	match, best := ix.nearest(emb)
	v.Match, v.Similarity = match, best
	if match != "" && best >= ix.dupThreshold {
		v.Duplicate = true
	}
	return v
}

// nearest returns the title and similarity of the indexed entry closest to emb.
func (ix *Index) nearest(emb []float64) (string, float64) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var bestTitle string
	var bestScore float64
	for _, e := range ix.entries {
		if len(e.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(emb, e.Embedding)
		if bestTitle == "" || score > bestScore {
			bestTitle = e.Title
			bestScore = score
		}
	}
	return bestTitle, bestScore
}
