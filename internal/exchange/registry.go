package exchange

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

// Payload is what the registry needs from a stored message shell. Both
// compute tasks and socket tasks satisfy it.
type Payload interface {
	MsgID() envelope.MsgID
	Sender() envelope.AppOrProxyID
	Recipients() []envelope.AppOrProxyID
	Lifetime() time.Duration
}

// SignedResult is the stored form of one worker's reply.
type SignedResult = envelope.Signed[*envelope.EncryptedTaskResult]

// ResultOutcome distinguishes a first result from a replacement; the
// HTTP layer maps them to 201 and 204.
type ResultOutcome int

const (
	ResultCreated ResultOutcome = iota + 1
	ResultReplaced
)

// Capacities sizes the three broadcast fabrics of a registry.
type Capacities struct {
	NewTask int
	Deleted int
	Result  int
}

// DefaultTaskCapacities suits the compute-task flow with many
// concurrent listers and multi-recipient tasks.
func DefaultTaskCapacities() Capacities {
	return Capacities{NewTask: 512, Deleted: 512, Result: 256}
}

// DefaultSocketCapacities suits the rendezvous flow: few listers, at
// most one pairing event per socket.
func DefaultSocketCapacities() Capacities {
	return Capacities{NewTask: 32, Deleted: 32, Result: 1}
}

// TaskView is a consistent snapshot of one stored task: the signed
// shell plus the results collected so far. Results are cloned under the
// registry lock, so a view never changes after it is handed out.
type TaskView[P Payload] struct {
	envelope.Signed[P]
	Results map[envelope.AppOrProxyID]SignedResult `json:"results"`
}

// WaitKey is the deduplication key for task views in a waiter buffer.
func (v TaskView[P]) WaitKey() string { return v.Msg.MsgID().String() }

type entry[P Payload] struct {
	task      envelope.Signed[P]
	results   map[envelope.AppOrProxyID]SignedResult
	resultTx  *Broadcaster[SignedResult]
	expiresAt time.Time
}

func (e *entry[P]) view() TaskView[P] {
	results := make(map[envelope.AppOrProxyID]SignedResult, len(e.results))
	for k, v := range e.results {
		results[k] = v
	}
	return TaskView[P]{Signed: e.task, Results: results}
}

// Registry owns the mapping from task id to stored task together with
// the notification fabric: one process-global broadcaster for new
// tasks, one for deletions, and one result broadcaster per entry. The
// per-entry broadcaster lives and dies with the entry, so a result PUT
// can never find a task without its channel.
type Registry[P Payload] struct {
	mu      sync.RWMutex
	entries map[envelope.MsgID]*entry[P]
	newTx   *Broadcaster[TaskView[P]]
	delTx   *Broadcaster[envelope.MsgID]
	caps    Capacities
	logger  *slog.Logger
	closed  bool
}

// NewRegistry builds an empty registry with the given channel
// capacities.
func NewRegistry[P Payload](caps Capacities, logger *slog.Logger) *Registry[P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[P]{
		entries: make(map[envelope.MsgID]*entry[P]),
		newTx:   NewBroadcaster[TaskView[P]](caps.NewTask),
		delTx:   NewBroadcaster[envelope.MsgID](caps.Deleted),
		caps:    caps,
		logger:  logger,
	}
}

// Insert stores a task and announces it on the new-task fabric. The
// announcement happens while the write lock is held, so a watcher that
// subscribed under the read lock sees the task exactly once: either in
// its snapshot or on its subscription.
func (r *Registry[P]) Insert(ctx context.Context, task envelope.Signed[P]) error {
	id := task.Msg.MsgID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.entries[id]; exists {
		return ErrConflict
	}
	e := &entry[P]{
		task:      task,
		results:   make(map[envelope.AppOrProxyID]SignedResult),
		resultTx:  NewBroadcaster[SignedResult](r.caps.Result),
		expiresAt: time.Now().Add(task.Msg.Lifetime()),
	}
	r.entries[id] = e
	delivered := r.newTx.Send(e.view())
	r.logger.DebugContext(ctx, "Task stored",
		"task_id", id.String(),
		"from", task.From.String(),
		"recipients", len(task.Msg.Recipients()),
		"notified", delivered,
	)
	return nil
}

// Get returns a consistent view of one task.
func (r *Registry[P]) Get(id envelope.MsgID) (TaskView[P], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return TaskView[P]{}, ErrNotFound
	}
	return e.view(), nil
}

// Remove drops a task, announces the deletion, and terminates its
// result fabric. The deletion announcement precedes the channel close
// so result waiters can end cleanly on either signal.
func (r *Registry[P]) Remove(ctx context.Context, id envelope.MsgID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(ctx, id)
}

func (r *Registry[P]) removeLocked(ctx context.Context, id envelope.MsgID) error {
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.entries, id)
	r.delTx.Send(id)
	e.resultTx.Close()
	r.logger.DebugContext(ctx, "Task removed", "task_id", id.String())
	return nil
}

// PutResult validates and stores one worker's reply, then publishes it
// on the task's result fabric while still holding the write lock. A
// reader holding a snapshot plus a subscription taken under the read
// lock therefore sees every result exactly once.
func (r *Registry[P]) PutResult(ctx context.Context, taskID envelope.MsgID, res SignedResult) (ResultOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return 0, ErrNotFound
	}
	if res.Msg.Task != taskID {
		return 0, ErrMismatch
	}
	if !envelope.ContainsID(e.task.Msg.Recipients(), res.Msg.From) {
		return 0, ErrUnauthorized
	}
	outcome := ResultCreated
	if _, exists := e.results[res.Msg.From]; exists {
		outcome = ResultReplaced
	}
	e.results[res.Msg.From] = res
	delivered := e.resultTx.Send(res)
	r.logger.DebugContext(ctx, "Result stored",
		"task_id", taskID.String(),
		"worker", res.Msg.From.String(),
		"status", string(res.Msg.Status),
		"replaced", outcome == ResultReplaced,
		"notified", delivered,
	)
	return outcome, nil
}

// TaskWatch couples a filtered snapshot with subscriptions that were
// taken under the same read lock as the snapshot.
type TaskWatch[P Payload] struct {
	Snapshot []TaskView[P]
	New      *Subscription[TaskView[P]]
	Deleted  *Subscription[envelope.MsgID]
}

// Cancel releases both subscriptions.
func (w TaskWatch[P]) Cancel() {
	w.New.Cancel()
	w.Deleted.Cancel()
}

// WatchTasks subscribes to new-task and deletion events and snapshots
// the tasks matching filter, all under one read lock. A task inserted
// concurrently lands either in the snapshot or on the subscription,
// never in the gap between them.
func (r *Registry[P]) WatchTasks(filter func(TaskView[P]) bool) TaskWatch[P] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w := TaskWatch[P]{
		New:     r.newTx.Subscribe(),
		Deleted: r.delTx.Subscribe(),
	}
	for _, e := range r.entries {
		v := e.view()
		if filter == nil || filter(v) {
			w.Snapshot = append(w.Snapshot, v)
		}
	}
	sort.Slice(w.Snapshot, func(i, j int) bool {
		return w.Snapshot[i].WaitKey() < w.Snapshot[j].WaitKey()
	})
	return w
}

// ResultWatch couples a snapshot of one task's results with
// subscriptions taken under the same read lock.
type ResultWatch struct {
	Snapshot []SignedResult
	New      *Subscription[SignedResult]
	Deleted  *Subscription[envelope.MsgID]
}

// Cancel releases both subscriptions.
func (w ResultWatch) Cancel() {
	w.New.Cancel()
	w.Deleted.Cancel()
}

// WatchResults subscribes to the task's result fabric and to deletion
// events and snapshots the results already collected, all under one
// read lock.
func (r *Registry[P]) WatchResults(id envelope.MsgID) (ResultWatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return ResultWatch{}, ErrNotFound
	}
	w := ResultWatch{
		New:     e.resultTx.Subscribe(),
		Deleted: r.delTx.Subscribe(),
	}
	for _, res := range e.results {
		w.Snapshot = append(w.Snapshot, res)
	}
	sort.Slice(w.Snapshot, func(i, j int) bool {
		return w.Snapshot[i].Msg.From.String() < w.Snapshot[j].Msg.From.String()
	})
	return w, nil
}

// SubscribeNew exposes the raw new-task fabric; the expiry sweeper uses
// it to wake on inserts.
func (r *Registry[P]) SubscribeNew() *Subscription[TaskView[P]] {
	return r.newTx.Subscribe()
}

// NextExpiry returns the earliest deadline among live tasks.
func (r *Registry[P]) NextExpiry() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var next time.Time
	found := false
	for _, e := range r.entries {
		if !found || e.expiresAt.Before(next) {
			next = e.expiresAt
			found = true
		}
	}
	return next, found
}

// ExpireBefore removes every task whose deadline is at or before now
// and returns the removed ids. Candidates are collected under the read
// lock, then re-checked and removed under the write lock.
func (r *Registry[P]) ExpireBefore(ctx context.Context, now time.Time) []envelope.MsgID {
	r.mu.RLock()
	var candidates []envelope.MsgID
	for id, e := range r.entries {
		if !e.expiresAt.After(now) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()
	if len(candidates) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := candidates[:0]
	for _, id := range candidates {
		e, ok := r.entries[id]
		if !ok || e.expiresAt.After(now) {
			continue
		}
		if err := r.removeLocked(ctx, id); err == nil {
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of live tasks.
func (r *Registry[P]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Closed reports whether the registry has shut down.
func (r *Registry[P]) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close shuts the registry down: no further inserts, all broadcast
// fabrics closed. In-flight waiters observe closed subscriptions.
func (r *Registry[P]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.newTx.Close()
	r.delTx.Close()
	for _, e := range r.entries {
		e.resultTx.Close()
	}
}
