package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lthms/weave/internal/kb"
)

// decodeJSON decodes the first JSON value of the wanted shape ('[' or '{')
// found in a model response into v. Markdown code fences and surrounding
// prose are ignored. Failures wrap ErrMalformedOutput.
func decodeJSON(text string, open byte, v any) error {
	start := strings.IndexByte(text, open)
	for start >= 0 {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if err := dec.Decode(v); err == nil {
			return nil
		}
		next := strings.IndexByte(text[start+1:], open)
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return fmt.Errorf("%w: no JSON %s in response %q", ErrMalformedOutput, shape(open), kb.TruncateRunes(text, 120))
}

func shape(open byte) string {
	if open == '[' {
		return "array"
	}
	return "object"
}

// noteDraft is one generated note as returned by the model.
type noteDraft struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func parseDrafts(text string) ([]noteDraft, error) {
	var drafts []noteDraft
	if err := decodeJSON(text, '[', &drafts); err != nil {
		return nil, err
	}
	out := drafts[:0]
	for _, d := range drafts {
		d.Title = strings.TrimSpace(d.Title)
		d.Body = strings.TrimSpace(d.Body)
		if d.Title == "" || d.Body == "" {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// clusterNote is the model's answer for an organize task.
type clusterNote struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

func parseClusterNote(text string) (clusterNote, error) {
	var n clusterNote
	if err := decodeJSON(text, '{', &n); err != nil {
		return clusterNote{}, err
	}
	n.Title = strings.TrimSpace(n.Title)
	n.Summary = strings.TrimSpace(n.Summary)
	if n.Title == "" {
		return clusterNote{}, fmt.Errorf("%w: cluster note without title", ErrMalformedOutput)
	}
	return n, nil
}

func parseTitles(text string) ([]string, error) {
	var titles []string
	if err := decodeJSON(text, '[', &titles); err != nil {
		return nil, err
	}
	return titles, nil
}
