package pipeline

import (
	"testing"

	"github.com/lthms/weave/internal/types"
)

func labels(tasks []types.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Label()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDequeueForStage_SkipsOtherStages(t *testing.T) {
	extract := types.Task{Kind: types.KindExtract, Stage: types.StageIngest, Payload: types.ExtractPayload{SourceID: "s1"}}
	link := types.Task{Kind: types.KindLink, Stage: types.StageConnect, Path: "a.md"}
	validate := types.Task{Kind: types.KindValidate, Stage: types.StageValidate, Path: "a.md"}

	q := NewQueue(nil)
	q.EnqueueMany([]types.Task{extract, link, validate})

	got, ok := q.DequeueForStage(types.StageConnect)
	if !ok {
		t.Fatal("no task for connect")
	}
	if got.Label() != link.Label() {
		t.Errorf("dequeued %q, want %q", got.Label(), link.Label())
	}
	want := labels([]types.Task{extract, validate})
	if rest := labels(q.Snapshot()); !equalStrings(rest, want) {
		t.Errorf("remaining = %v, want %v", rest, want)
	}

	if _, ok := q.DequeueForStage(types.StageConnect); ok {
		t.Error("second dequeue for connect returned a task")
	}
}

func TestDequeueForStage_FIFOWithinStage(t *testing.T) {
	q := NewQueue(nil)
	for _, p := range []string{"a.md", "b.md", "c.md"} {
		q.Enqueue(types.Task{Kind: types.KindLink, Stage: types.StageConnect, Path: p})
		q.Enqueue(types.Task{Kind: types.KindValidate, Stage: types.StageValidate, Path: p})
	}

	var got []string
	for {
		task, ok := q.DequeueForStage(types.StageConnect)
		if !ok {
			break
		}
		if task.Stage != types.StageConnect {
			t.Fatalf("dequeued task for stage %s", task.Stage)
		}
		got = append(got, task.Path)
	}
	if !equalStrings(got, []string{"a.md", "b.md", "c.md"}) {
		t.Errorf("order = %v", got)
	}
	for _, task := range q.Snapshot() {
		if task.Stage != types.StageValidate {
			t.Errorf("left behind %q", task.Label())
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}
}

func TestRestore(t *testing.T) {
	saved := []types.Task{
		{Kind: types.KindLink, Stage: types.StageConnect, Path: "a.md"},
		{Kind: types.KindLink, Stage: types.StageConnect, Path: "b.md"},
	}

	q := NewQueue(nil)
	if !q.Restore(saved) {
		t.Fatal("Restore into empty queue refused")
	}
	saved[0].Path = "mutated.md"
	if got := q.Snapshot()[0].Path; got != "a.md" {
		t.Errorf("queue shares caller's slice: first path = %q", got)
	}

	if q.Restore([]types.Task{{Kind: types.KindValidate, Stage: types.StageValidate}}) {
		t.Error("Restore into non-empty queue accepted")
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
}

func TestQueueNotify(t *testing.T) {
	var lengths []int
	q := NewQueue(func(n int) { lengths = append(lengths, n) })

	q.Enqueue(types.Task{Kind: types.KindLink, Stage: types.StageConnect})
	q.EnqueueMany([]types.Task{
		{Kind: types.KindLink, Stage: types.StageConnect},
		{Kind: types.KindValidate, Stage: types.StageValidate},
	})
	q.EnqueueMany(nil)
	q.DequeueForStage(types.StageValidate)
	q.DequeueForStage(types.StageDeduce)

	want := []int{1, 3, 2}
	if len(lengths) != len(want) {
		t.Fatalf("notifications = %v, want %v", lengths, want)
	}
	for i := range want {
		if lengths[i] != want[i] {
			t.Errorf("notifications = %v, want %v", lengths, want)
			break
		}
	}
}
