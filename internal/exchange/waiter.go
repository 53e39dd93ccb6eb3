package exchange

import (
	"context"
	"time"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

// WaitForever is the sentinel deadline used when a waiter supplies a
// count threshold but no wait_time. Roughly one year.
const WaitForever = 8760 * time.Hour

// HowLongToBlock captures the client's blocking request on a list or
// result GET. At least one of the two fields must be set.
type HowLongToBlock struct {
	// WaitCount is the number of items that satisfies the wait early.
	WaitCount *uint
	// WaitTime bounds the wait; the buffer collected so far is
	// returned when it elapses.
	WaitTime *time.Duration
}

// Validate rejects a block request that sets neither bound.
func (b HowLongToBlock) Validate() error {
	if b.WaitCount == nil && b.WaitTime == nil {
		return ErrBadBlock
	}
	return nil
}

// IsZero reports whether the client asked for no blocking at all.
func (b HowLongToBlock) IsZero() bool {
	return b.WaitCount == nil && b.WaitTime == nil
}

// Deadline resolves the wait_time bound, substituting the ~1-year
// sentinel when only a count threshold was given.
func (b HowLongToBlock) Deadline(now time.Time) time.Time {
	if b.WaitTime == nil {
		return now.Add(WaitForever)
	}
	return now.Add(*b.WaitTime)
}

// Target resolves the count threshold; zero means "deadline only".
func (b HowLongToBlock) Target() int {
	if b.WaitCount == nil {
		return 0
	}
	return int(*b.WaitCount)
}

// Satisfied reports whether a buffer of n items meets the count
// threshold. The HTTP layer answers 206 instead of 200 when it does
// not.
func (b HowLongToBlock) Satisfied(n int) bool {
	return b.WaitCount == nil || n >= int(*b.WaitCount)
}

// GatherTasks runs the task-listing variant of the waiter protocol.
// The watch must have been taken from the registry so that its
// snapshot and subscriptions are consistent; filter is re-applied to
// every item arriving on the subscription. Items are deduplicated by
// wait key and buffered items are pruned when their task is deleted.
// The caller keeps ownership of the watch and must Cancel it.
func GatherTasks[P Payload](ctx context.Context, watch TaskWatch[P], block HowLongToBlock, filter func(TaskView[P]) bool) ([]TaskView[P], error) {
	if err := block.Validate(); err != nil {
		return nil, err
	}
	buffer := append([]TaskView[P](nil), watch.Snapshot...)
	target := block.Target()
	if target > 0 && len(buffer) >= target {
		return buffer, nil
	}

	timer := time.NewTimer(time.Until(block.Deadline(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return buffer, ctx.Err()
		case <-timer.C:
			return buffer, nil
		case v, ok := <-watch.New.C():
			if !ok {
				return nil, ErrChannel
			}
			if filter != nil && !filter(v) {
				continue
			}
			buffer = mergeByKey(buffer, v)
			if target > 0 && len(buffer) >= target {
				return buffer, nil
			}
		case id, ok := <-watch.Deleted.C():
			if !ok {
				return nil, ErrChannel
			}
			buffer = dropByKey(buffer, id.String())
		}
	}
}

// GatherResults runs the result-waiting variant: results for one task,
// deduplicated by worker, ending early and cleanly when the watched
// task itself is deleted. Deletion may arrive as a broadcast or as the
// close of the per-task result fabric; both end the wait without
// error. Only a lagged subscription is fatal.
func GatherResults(ctx context.Context, taskID envelope.MsgID, watch ResultWatch, block HowLongToBlock) ([]SignedResult, error) {
	if err := block.Validate(); err != nil {
		return nil, err
	}
	buffer := append([]SignedResult(nil), watch.Snapshot...)
	target := block.Target()
	if target > 0 && len(buffer) >= target {
		return buffer, nil
	}

	timer := time.NewTimer(time.Until(block.Deadline(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return buffer, ctx.Err()
		case <-timer.C:
			return buffer, nil
		case res, ok := <-watch.New.C():
			if !ok {
				if watch.New.Lagged() {
					return nil, ErrChannel
				}
				// The result fabric lives and dies with its entry: a
				// clean close means the watched task is gone. The
				// deletion broadcast may race the close, so either
				// signal ends the wait.
				return buffer, nil
			}
			buffer = mergeResult(buffer, res)
			if target > 0 && len(buffer) >= target {
				return buffer, nil
			}
		case id, ok := <-watch.Deleted.C():
			if !ok {
				if watch.Deleted.Lagged() {
					return nil, ErrChannel
				}
				return buffer, nil
			}
			if id == taskID {
				return buffer, nil
			}
		}
	}
}

// SSE event names emitted by StreamResults. Clients ignore names they
// do not know.
const (
	EventNewResult     = "new_result"
	EventUpdatedResult = "updated_result"
	EventWaitExpired   = "wait_expired"
	EventDeletedTask   = "deleted_task"
	EventError         = "error"
)

// StreamEvent is one named mutation in a result stream.
type StreamEvent struct {
	Name string
	Data any
}

// StreamResults is the SSE variant of the result wait: instead of
// returning a buffer it emits one event per mutation, starting with a
// replay of the snapshot. The stream is finite: every path ends in
// wait_expired, deleted_task, or the client going away. An emit
// failure ends the stream; a lagged subscription is reported as
// ErrChannel after a best-effort error event.
func StreamResults(ctx context.Context, taskID envelope.MsgID, watch ResultWatch, block HowLongToBlock, emit func(StreamEvent) error) error {
	if err := block.Validate(); err != nil {
		return err
	}
	seen := make(map[envelope.AppOrProxyID]bool, len(watch.Snapshot))
	for _, res := range watch.Snapshot {
		seen[res.Msg.From] = true
		if err := emit(StreamEvent{Name: EventNewResult, Data: res}); err != nil {
			return err
		}
	}
	target := block.Target()
	if target > 0 && len(seen) >= target {
		return emit(StreamEvent{Name: EventWaitExpired, Data: struct{}{}})
	}

	timer := time.NewTimer(time.Until(block.Deadline(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return emit(StreamEvent{Name: EventWaitExpired, Data: struct{}{}})
		case res, ok := <-watch.New.C():
			if !ok {
				if watch.New.Lagged() {
					emit(StreamEvent{Name: EventError, Data: ErrChannel.Error()})
					return ErrChannel
				}
				// Same invariant as GatherResults: a clean close of the
				// result fabric means the watched task is gone.
				return emit(StreamEvent{Name: EventDeletedTask, Data: taskID.String()})
			}
			name := EventNewResult
			if seen[res.Msg.From] {
				name = EventUpdatedResult
			}
			seen[res.Msg.From] = true
			if err := emit(StreamEvent{Name: name, Data: res}); err != nil {
				return err
			}
			if target > 0 && len(seen) >= target {
				return emit(StreamEvent{Name: EventWaitExpired, Data: struct{}{}})
			}
		case id, ok := <-watch.Deleted.C():
			if !ok {
				if watch.Deleted.Lagged() {
					emit(StreamEvent{Name: EventError, Data: ErrChannel.Error()})
					return ErrChannel
				}
				return emit(StreamEvent{Name: EventDeletedTask, Data: taskID.String()})
			}
			if id == taskID {
				return emit(StreamEvent{Name: EventDeletedTask, Data: id.String()})
			}
		}
	}
}

// mergeByKey removes any buffered item carrying v's wait key, then
// appends v. The remove-then-append makes repeated broadcasts of the
// same item idempotent.
func mergeByKey[P Payload](buffer []TaskView[P], v TaskView[P]) []TaskView[P] {
	buffer = dropByKey(buffer, v.WaitKey())
	return append(buffer, v)
}

func dropByKey[P Payload](buffer []TaskView[P], key string) []TaskView[P] {
	out := buffer[:0]
	for _, item := range buffer {
		if item.WaitKey() != key {
			out = append(out, item)
		}
	}
	return out
}

func mergeResult(buffer []SignedResult, res SignedResult) []SignedResult {
	out := buffer[:0]
	for _, item := range buffer {
		if item.Msg.From != res.Msg.From {
			out = append(out, item)
		}
	}
	return append(out, res)
}
