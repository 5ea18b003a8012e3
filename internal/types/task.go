package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies what a task does.
type Kind string

const (
	KindExtract    Kind = "extract"
	KindOrganize   Kind = "organize"
	KindLink       Kind = "link"
	KindDeduce     Kind = "deduce"
	KindInduce     Kind = "induce"
	KindReorganize Kind = "reorganize"
	KindValidate   Kind = "validate"
)

// Payload is the kind-specific part of a task. Link, deduce and validate
// tasks carry none; they work from Task.Path alone.
type Payload interface {
	payloadKind() Kind
}

// ExtractPayload names the staged Source an extract task turns into notes.
type ExtractPayload struct {
	SourceID string `json:"sourceId"`
}

// OrganizePayload is the group of notes one cluster note is built over.
// It is shared by organize and reorganize tasks.
type OrganizePayload struct {
	Group      int      `json:"group"`
	NoteTitles []string `json:"noteTitles"`
}

// InducePayload is one note cluster to generalize over.
type InducePayload struct {
	ClusterSummary string   `json:"clusterSummary"`
	NoteTitles     []string `json:"noteTitles"`
}

func (ExtractPayload) payloadKind() Kind  { return KindExtract }
func (OrganizePayload) payloadKind() Kind { return KindOrganize }
func (InducePayload) payloadKind() Kind   { return KindInduce }

// Task is one queued unit of work.
type Task struct {
	Kind    Kind
	Stage   Stage
	Path    string
	Payload Payload
}

// Label is a short human-readable identity used in logs and run state.
func (t Task) Label() string {
	var sb strings.Builder
	sb.WriteString(string(t.Kind))
	switch p := t.Payload.(type) {
	case ExtractPayload:
		sb.WriteString(" source=" + p.SourceID)
	case OrganizePayload:
		fmt.Fprintf(&sb, " group=%d notes=%d", p.Group, len(p.NoteTitles))
	case InducePayload:
		fmt.Fprintf(&sb, " cluster=%q notes=%d", p.ClusterSummary, len(p.NoteTitles))
	}
	if t.Path != "" {
		sb.WriteString(" path=" + t.Path)
	}
	return sb.String()
}

type taskJSON struct {
	Kind    Kind            `json:"kind"`
	Stage   Stage           `json:"stage"`
	Path    string          `json:"path,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (t Task) MarshalJSON() ([]byte, error) {
	out := taskJSON{Kind: t.Kind, Stage: t.Stage, Path: t.Path}
	if t.Payload != nil {
		raw, err := json.Marshal(t.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t.Kind, err)
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var in taskJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	payload, err := decodePayload(in.Kind, in.Payload)
	if err != nil {
		return err
	}
	*t = Task{Kind: in.Kind, Stage: in.Stage, Path: in.Path, Payload: payload}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case KindExtract:
		var p ExtractPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode extract payload: %w", err)
		}
		return p, nil
	case KindOrganize, KindReorganize:
		var p OrganizePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindInduce:
		var p InducePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode induce payload: %w", err)
		}
		return p, nil
	case KindLink, KindDeduce, KindValidate:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
}
