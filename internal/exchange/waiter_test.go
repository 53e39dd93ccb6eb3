package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

func TestBlockValidate(t *testing.T) {
	if err := (HowLongToBlock{}).Validate(); !errors.Is(err, ErrBadBlock) {
		t.Fatalf("expected ErrBadBlock, got %v", err)
	}
	n := uint(1)
	if err := (HowLongToBlock{WaitCount: &n}).Validate(); err != nil {
		t.Fatalf("count-only block must be valid: %v", err)
	}
	d := time.Second
	if err := (HowLongToBlock{WaitTime: &d}).Validate(); err != nil {
		t.Fatalf("time-only block must be valid: %v", err)
	}
}

func TestBlockSatisfied(t *testing.T) {
	n := uint(2)
	block := HowLongToBlock{WaitCount: &n}
	if block.Satisfied(1) {
		t.Fatal("1 < 2 must not satisfy the block")
	}
	if !block.Satisfied(2) {
		t.Fatal("2 >= 2 must satisfy the block")
	}
	if !(HowLongToBlock{}).Satisfied(0) {
		t.Fatal("a block without wait_count is always satisfied")
	}
}

func TestGatherTasksCountSatisfiedBySnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	task := newTestTask(t, issuer, time.Minute, worker)
	if err := reg.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	watch := reg.WatchTasks(nil)
	defer watch.Cancel()

	start := time.Now()
	got, err := GatherTasks(ctx, watch, waitCountTime(1, time.Minute), nil)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 task, got %d", len(got))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("a satisfied snapshot must not block, took %s", elapsed)
	}
}

func TestGatherTasksDeadlineReturnsPartial(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	if err := reg.Insert(ctx, newTestTask(t, issuer, time.Minute, worker)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	watch := reg.WatchTasks(nil)
	defer watch.Cancel()

	block := waitCountTime(2, 50*time.Millisecond)
	got, err := GatherTasks(ctx, watch, block, nil)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the partial buffer of 1, got %d", len(got))
	}
	if block.Satisfied(len(got)) {
		t.Fatal("partial buffer must not satisfy the block")
	}
}

func TestGatherTasksWakesOnInsert(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")

	watch := reg.WatchTasks(nil)
	defer watch.Cancel()

	task := newTestTask(t, issuer, time.Minute, worker)
	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.Insert(ctx, task)
	}()

	got, err := GatherTasks(ctx, watch, waitCountTime(1, 5*time.Second), nil)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 1 || got[0].Msg.ID != task.Msg.ID {
		t.Fatalf("expected the inserted task, got %v", got)
	}
}

func TestGatherTasksReappliesFilter(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	w1 := testAppID(t, "app1", "proxy2")
	w2 := testAppID(t, "app2", "proxy2")

	forW1 := func(v TaskView[*envelope.EncryptedTaskRequest]) bool {
		return envelope.ContainsID(v.Msg.To, w1)
	}
	watch := reg.WatchTasks(forW1)
	defer watch.Cancel()

	wanted := newTestTask(t, issuer, time.Minute, w1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Insert(ctx, newTestTask(t, issuer, time.Minute, w2))
		reg.Insert(ctx, wanted)
	}()

	got, err := GatherTasks(ctx, watch, waitCountTime(1, 5*time.Second), forW1)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 1 || got[0].Msg.ID != wanted.Msg.ID {
		t.Fatalf("expected only the task addressed to w1, got %v", got)
	}
}

func TestGatherTasksPrunesDeleted(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	task := newTestTask(t, issuer, time.Minute, worker)
	if err := reg.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	watch := reg.WatchTasks(nil)
	defer watch.Cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Remove(ctx, task.Msg.ID)
	}()

	got, err := GatherTasks(ctx, watch, waitDuration(200*time.Millisecond), nil)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected the deleted task to be pruned, got %d items", len(got))
	}
}

func TestGatherTasksDeduplicatesByWaitKey(t *testing.T) {
	newTx := NewBroadcaster[TaskView[*envelope.EncryptedTaskRequest]](8)
	delTx := NewBroadcaster[envelope.MsgID](8)
	watch := TaskWatch[*envelope.EncryptedTaskRequest]{
		New:     newTx.Subscribe(),
		Deleted: delTx.Subscribe(),
	}
	defer watch.Cancel()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	task := newTestTask(t, issuer, time.Minute, worker)
	view := TaskView[*envelope.EncryptedTaskRequest]{Signed: task}

	// The same task announced twice, e.g. re-broadcast after a result
	// mutation, must occupy a single buffer slot.
	newTx.Send(view)
	newTx.Send(view)

	got, err := GatherTasks(context.Background(), watch, waitDuration(100*time.Millisecond), nil)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 deduplicated task, got %d", len(got))
	}
}

func TestGatherTasksChannelFailureIsFatal(t *testing.T) {
	reg := newTestRegistry(t)
	watch := reg.WatchTasks(nil)
	defer watch.Cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Close()
	}()

	if _, err := GatherTasks(context.Background(), watch, waitDuration(5*time.Second), nil); !errors.Is(err, ErrChannel) {
		t.Fatalf("expected ErrChannel, got %v", err)
	}
}

func TestGatherResultsDeduplicatesByWorker(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	task := newTestTask(t, issuer, time.Minute, worker)
	if err := reg.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	watch, err := reg.WatchResults(task.Msg.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.PutResult(ctx, task.Msg.ID, newTestResult(t, task.Msg.ID, worker, issuer, envelope.StatusClaimed))
		reg.PutResult(ctx, task.Msg.ID, newTestResult(t, task.Msg.ID, worker, issuer, envelope.StatusSucceeded))
	}()

	got, err := GatherResults(ctx, task.Msg.ID, watch, waitDuration(200*time.Millisecond))
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result after dedup, got %d", len(got))
	}
	if got[0].Msg.Status != envelope.StatusSucceeded {
		t.Fatalf("expected the last result to win, got %q", got[0].Msg.Status)
	}
}

func TestGatherResultsEndsOnTaskDeletion(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	task := newTestTask(t, issuer, time.Minute, worker)
	if err := reg.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := reg.PutResult(ctx, task.Msg.ID, newTestResult(t, task.Msg.ID, worker, issuer, envelope.StatusClaimed)); err != nil {
		t.Fatalf("put: %v", err)
	}

	watch, err := reg.WatchResults(task.Msg.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Remove(ctx, task.Msg.ID)
	}()

	start := time.Now()
	got, err := GatherResults(ctx, task.Msg.ID, watch, waitCountTime(5, 10*time.Second))
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the buffer collected before deletion, got %d", len(got))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("deletion must end the wait early, took %s", elapsed)
	}
}

func TestGatherResultsDeletionBeforeWait(t *testing.T) {
	// Removal lands between WatchResults and GatherResults: the waiter
	// enters its select with the deletion broadcast buffered and the
	// result fabric already closed. Whichever branch the select picks,
	// the wait must end cleanly. Repeated because the pick is random.
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")

	for i := 0; i < 50; i++ {
		task := newTestTask(t, issuer, time.Minute, worker)
		if err := reg.Insert(ctx, task); err != nil {
			t.Fatalf("insert: %v", err)
		}
		watch, err := reg.WatchResults(task.Msg.ID)
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		if err := reg.Remove(ctx, task.Msg.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}

		got, err := GatherResults(ctx, task.Msg.ID, watch, waitCountTime(1, 5*time.Second))
		watch.Cancel()
		if err != nil {
			t.Fatalf("iteration %d: gather after removal: %v", i, err)
		}
		if len(got) != 0 {
			t.Fatalf("iteration %d: expected no results, got %d", i, len(got))
		}
	}
}

func TestStreamResultsDeletionBeforeWait(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")

	for i := 0; i < 50; i++ {
		task := newTestTask(t, issuer, time.Minute, worker)
		if err := reg.Insert(ctx, task); err != nil {
			t.Fatalf("insert: %v", err)
		}
		watch, err := reg.WatchResults(task.Msg.ID)
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		if err := reg.Remove(ctx, task.Msg.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}

		var last string
		err = StreamResults(ctx, task.Msg.ID, watch, waitDuration(5*time.Second), func(ev StreamEvent) error {
			last = ev.Name
			return nil
		})
		watch.Cancel()
		if err != nil {
			t.Fatalf("iteration %d: stream after removal: %v", i, err)
		}
		if last != EventDeletedTask {
			t.Fatalf("iteration %d: expected the stream to end with %q, got %q", i, EventDeletedTask, last)
		}
	}
}

func TestGatherResultsEndsOnRegistryClose(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	task := newTestTask(t, issuer, time.Minute, worker)
	if err := reg.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	watch, err := reg.WatchResults(task.Msg.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Close()
	}()

	if _, err := GatherResults(ctx, task.Msg.ID, watch, waitDuration(5*time.Second)); err != nil {
		t.Fatalf("shutdown must end the wait cleanly: %v", err)
	}
}

func TestStreamResultsReplayNewUpdatedDeleted(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	task := newTestTask(t, issuer, time.Minute, worker)
	if err := reg.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := reg.PutResult(ctx, task.Msg.ID, newTestResult(t, task.Msg.ID, worker, issuer, envelope.StatusClaimed)); err != nil {
		t.Fatalf("put: %v", err)
	}

	watch, err := reg.WatchResults(task.Msg.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.PutResult(ctx, task.Msg.ID, newTestResult(t, task.Msg.ID, worker, issuer, envelope.StatusSucceeded))
		time.Sleep(10 * time.Millisecond)
		reg.Remove(ctx, task.Msg.ID)
	}()

	var names []string
	err = StreamResults(ctx, task.Msg.ID, watch, waitDuration(5*time.Second), func(ev StreamEvent) error {
		names = append(names, ev.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	want := []string{EventNewResult, EventUpdatedResult, EventDeletedTask}
	if len(names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, names)
		}
	}
}

func TestStreamResultsWaitExpired(t *testing.T) {
	reg := newTestRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	issuer := testAppID(t, "app1", "proxy1")
	worker := testAppID(t, "app1", "proxy2")
	task := newTestTask(t, issuer, time.Minute, worker)
	if err := reg.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	watch, err := reg.WatchResults(task.Msg.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Cancel()

	var last string
	err = StreamResults(ctx, task.Msg.ID, watch, waitDuration(50*time.Millisecond), func(ev StreamEvent) error {
		last = ev.Name
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if last != EventWaitExpired {
		t.Fatalf("expected the stream to end with %q, got %q", EventWaitExpired, last)
	}
}
