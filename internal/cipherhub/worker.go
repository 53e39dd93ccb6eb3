package cipherhub

import (
	"context"
	"log/slog"
	"time"

	"github.com/owulveryck/cipherhub/internal/envelope"
	"github.com/owulveryck/cipherhub/internal/exchange"
)

// DefaultPollWindow is how long one todo long-poll blocks before the
// worker loops.
const DefaultPollWindow = 30 * time.Second

// TaskHandler processes one task addressed to this worker. It returns
// the closed status plus the ciphertext reply for the issuer, or an
// error when the attempt should be recorded as a temporary failure.
type TaskHandler func(ctx context.Context, task SignedTask) (envelope.WorkStatus, *string, error)

// TaskWorker is the recipient side: it long-polls its todo queue,
// claims each task and reports the handler's outcome. One result slot
// per worker and task means a crashed attempt is retried by simply
// running the loop again; the claim is replaced by the final status.
type TaskWorker struct {
	Client *BrokerClient
	Logger *slog.Logger

	// Poll bounds one listing long-poll. Zero means DefaultPollWindow.
	Poll time.Duration
}

func NewTaskWorker(client *BrokerClient, logger *slog.Logger) *TaskWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskWorker{Client: client, Logger: logger}
}

// Run blocks, processing todo tasks with handler until ctx is
// canceled. Listing errors are logged and retried; the loop only ends
// with ctx.
func (w *TaskWorker) Run(ctx context.Context, handler TaskHandler) error {
	poll := w.Poll
	if poll <= 0 {
		poll = DefaultPollWindow
	}
	one := uint(1)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tasks, err := w.Client.ListTasks(ctx, ListOptions{
			Todo:  true,
			Block: exchange.HowLongToBlock{WaitCount: &one, WaitTime: &poll},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.Logger.ErrorContext(ctx, "Todo listing failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, task := range tasks {
			w.process(ctx, task, handler)
		}
	}
}

// process claims one task, runs the handler and reports the outcome.
func (w *TaskWorker) process(ctx context.Context, task SignedTask, handler TaskHandler) {
	taskID := task.Msg.ID
	w.Logger.InfoContext(ctx, "Processing task",
		"task_id", taskID.String(),
		"from", task.Msg.From.String(),
	)

	if _, err := w.Client.PutResult(ctx, w.result(taskID, task.Msg.From, envelope.StatusClaimed, nil)); err != nil {
		w.Logger.ErrorContext(ctx, "Failed to claim task", "task_id", taskID.String(), "error", err)
		return
	}

	status, body, err := handler(ctx, task)
	if err != nil {
		w.Logger.ErrorContext(ctx, "Task handler failed", "task_id", taskID.String(), "error", err)
		status, body = envelope.StatusTempFailed, nil
	}
	if _, err := w.Client.PutResult(ctx, w.result(taskID, task.Msg.From, status, body)); err != nil {
		w.Logger.ErrorContext(ctx, "Failed to report result",
			"task_id", taskID.String(),
			"status", string(status),
			"error", err,
		)
		return
	}
	w.Logger.InfoContext(ctx, "Task finished", "task_id", taskID.String(), "status", string(status))
}

func (w *TaskWorker) result(taskID envelope.MsgID, issuer envelope.AppOrProxyID, status envelope.WorkStatus, body *string) *envelope.EncryptedTaskResult {
	return &envelope.EncryptedTaskResult{
		From:   w.Client.ID(),
		To:     []envelope.AppOrProxyID{issuer},
		Task:   taskID,
		Status: status,
		Body:   body,
	}
}
