package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/types"
	"github.com/lthms/weave/internal/vault"
)

// populate derives the task set for stage from the current vault and
// index, enqueues it, and returns how many tasks it added.
func (s *Scheduler) populate(ctx context.Context, stage types.Stage) (int, error) {
	var tasks []types.Task
	switch stage {
	case types.StageOrganize:
		tasks = s.groupTasks(types.KindOrganize, stage)
	case types.StageReorganize:
		tasks = s.groupTasks(types.KindReorganize, stage)
	case types.StageInduce:
		tasks = s.induceTasks(stage)
	case types.StageConnect, types.StageDeduce, types.StageValidate:
		paths, err := s.vault.ListMarkdownFiles()
		if err != nil {
			return 0, fmt.Errorf("list notes: %w", err)
		}
		sort.Strings(paths)
		s.noteNames = nil
		kind := map[types.Stage]types.Kind{
			types.StageConnect:  types.KindLink,
			types.StageDeduce:   types.KindDeduce,
			types.StageValidate: types.KindValidate,
		}[stage]
		for _, p := range paths {
			if stage == types.StageDeduce && vault.IsIndexNote(p) {
				continue
			}
			tasks = append(tasks, types.Task{Kind: kind, Stage: stage, Path: p})
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.queue.EnqueueMany(tasks)
	return len(tasks), nil
}

// noteEntries returns the indexed notes that are not cluster notes.
func (s *Scheduler) noteEntries() []kb.Entry {
	var out []kb.Entry
	for _, e := range s.index.Entries() {
		if vault.IsIndexNote(e.Path) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// groupTasks builds one organize (or reorganize) task per group of notes.
// Small note sets form a single group; above the ceiling they are
// clustered by similarity.
func (s *Scheduler) groupTasks(kind types.Kind, stage types.Stage) []types.Task {
	entries := s.noteEntries()
	var groups [][]kb.Entry
	switch {
	case len(entries) < 2:
		return nil
	case len(entries) <= s.ceiling:
		groups = [][]kb.Entry{entries}
	default:
		groups = kb.Cluster(entries, s.cluster)
	}

	var tasks []types.Task
	for i, g := range groups {
		if len(g) < 2 {
			continue
		}
		tasks = append(tasks, types.Task{
			Kind:    kind,
			Stage:   stage,
			Payload: types.OrganizePayload{Group: i, NoteTitles: titlesOf(g)},
		})
	}
	return tasks
}

// induceTasks builds one task per similarity cluster with at least two
// members.
func (s *Scheduler) induceTasks(stage types.Stage) []types.Task {
	var tasks []types.Task
	for _, g := range kb.Cluster(s.noteEntries(), s.cluster) {
		if len(g) < 2 {
			continue
		}
		titles := titlesOf(g)
		tasks = append(tasks, types.Task{
			Kind:    types.KindInduce,
			Stage:   stage,
			Payload: types.InducePayload{ClusterSummary: summarize(titles), NoteTitles: titles},
		})
	}
	return tasks
}

func titlesOf(entries []kb.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Title
	}
	return out
}

// summarize names a cluster by its first few titles.
func summarize(titles []string) string {
	const shown = 3
	if len(titles) <= shown {
		return strings.Join(titles, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(titles[:shown], ", "), len(titles)-shown)
}
