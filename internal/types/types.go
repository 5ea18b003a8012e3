// Package types holds the records shared by the pipeline, the ingestion
// tracker and the storage backends.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Stage is one phase of the pipeline. The zero value means "no stage".
type Stage string

const (
	StageIngest     Stage = "ingest"
	StageOrganize   Stage = "organize"
	StageConnect    Stage = "connect"
	StageDeduce     Stage = "deduce"
	StageInduce     Stage = "induce"
	StageReorganize Stage = "reorganize"
	StageValidate   Stage = "validate"
)

// Stages lists every stage in traversal order.
var Stages = []Stage{
	StageIngest,
	StageOrganize,
	StageConnect,
	StageDeduce,
	StageInduce,
	StageReorganize,
	StageValidate,
}

// Index returns the position of s in Stages, or -1.
func (s Stage) Index() int {
	return slices.Index(Stages, s)
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage following s. The second value is false when s is
// the last stage or unknown.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Stages) {
		return "", false
	}
	return Stages[i+1], true
}

// MarshalJSON encodes the empty stage as null.
func (s Stage) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	st := Stage(str)
	if st != "" && !st.Valid() {
		return fmt.Errorf("unknown stage %q", str)
	}
	*s = st
	return nil
}

// Source is an immutable snapshot of the text extracted from one ingested
// file. A content change produces a new Source with a new ID.
type Source struct {
	ID           string    `json:"id"`
	RelativePath string    `json:"relativePath"`
	Name         string    `json:"name"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SourceEntry records which Source currently represents a relative path.
type SourceEntry struct {
	SourceID    string `json:"sourceId"`
	ContentHash string `json:"contentHash"`
}

// SourceIndex maps relative paths under SourceDir to their current Source.
type SourceIndex struct {
	SourceDir   string                 `json:"sourceDir"`
	Entries     map[string]SourceEntry `json:"entries"`
	LastUpdated time.Time              `json:"lastUpdated"`
}

// NewSourceIndex returns an empty index tracking dir.
func NewSourceIndex(dir string) *SourceIndex {
	return &SourceIndex{
		SourceDir: dir,
		Entries:   make(map[string]SourceEntry),
	}
}

// Progress is the durable crash-recovery snapshot of a run.
type Progress struct {
	ProcessedSourceIDs []string  `json:"processedSourceIds"`
	CurrentStage       Stage     `json:"currentStage"`
	Queue              []Task    `json:"queue"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

// IsProcessed reports whether id was already extracted.
func (p Progress) IsProcessed(id string) bool {
	return slices.Contains(p.ProcessedSourceIDs, id)
}

// MarkProcessed appends id to the processed set, preserving order and
// ignoring repeats.
func (p *Progress) MarkProcessed(id string) {
	if p.IsProcessed(id) {
		return
	}
	p.ProcessedSourceIDs = append(p.ProcessedSourceIDs, id)
}
