package cipherhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/owulveryck/cipherhub/internal/envelope"
	"github.com/owulveryck/cipherhub/internal/exchange"
)

// DefaultTaskTTL is the lifetime a published task gets when the caller
// does not choose one.
const DefaultTaskTTL = 10 * time.Minute

// TaskPublisher is the issuer side: it builds, signs and posts tasks
// and collects their results.
type TaskPublisher struct {
	Client *BrokerClient
	Logger *slog.Logger
}

func NewTaskPublisher(client *BrokerClient, logger *slog.Logger) *TaskPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskPublisher{Client: client, Logger: logger}
}

// PublishTaskOptions describes one task to post. Body is the
// ciphertext payload for the recipients; the broker never decrypts it.
type PublishTaskOptions struct {
	To              []envelope.AppOrProxyID
	Body            string
	TTL             time.Duration
	Metadata        json.RawMessage
	FailureStrategy envelope.FailureStrategy
}

// PublishTask posts one task and returns its id. The issuer watches
// that id for results.
func (p *TaskPublisher) PublishTask(ctx context.Context, opts PublishTaskOptions) (envelope.MsgID, error) {
	if len(opts.To) == 0 {
		return envelope.MsgID{}, fmt.Errorf("task must name at least one recipient")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	task := &envelope.EncryptedTaskRequest{
		ID:              envelope.NewMsgID(),
		From:            p.Client.ID(),
		To:              opts.To,
		TTL:             envelope.TTL{Duration: ttl},
		Metadata:        opts.Metadata,
		Body:            opts.Body,
		FailureStrategy: opts.FailureStrategy,
	}
	if err := p.Client.PostTask(ctx, task); err != nil {
		return envelope.MsgID{}, err
	}
	p.Logger.InfoContext(ctx, "Task published",
		"task_id", task.ID.String(),
		"recipients", len(task.To),
		"ttl", ttl.String(),
	)
	return task.ID, nil
}

// AwaitResults streams the task's results until every recipient
// answered with a closed status, or until timeout. It returns whatever
// arrived; a short answer means some recipients stayed silent. Claims
// count as progress on the stream but not towards completion, so the
// wait cannot be satisfied by a worker that only ever claimed.
func (p *TaskPublisher) AwaitResults(ctx context.Context, taskID envelope.MsgID, recipients uint, timeout time.Duration) ([]exchange.SignedResult, error) {
	block := exchange.HowLongToBlock{WaitTime: &timeout}
	latest := make(map[envelope.AppOrProxyID]exchange.SignedResult, recipients)
	closed := make(map[envelope.AppOrProxyID]bool, recipients)

	errDone := fmt.Errorf("all recipients answered")
	err := p.Client.StreamResults(ctx, taskID, block, func(ev ResultEvent) error {
		if ev.Name != exchange.EventNewResult && ev.Name != exchange.EventUpdatedResult {
			return nil
		}
		var res exchange.SignedResult
		if err := json.Unmarshal(ev.Data, &res); err != nil {
			return fmt.Errorf("failed to decode result event: %w", err)
		}
		latest[res.Msg.From] = res
		if res.Msg.Status.IsClosed() {
			closed[res.Msg.From] = true
		}
		if uint(len(closed)) >= recipients {
			return errDone
		}
		return nil
	})
	if err != nil && err != errDone {
		return nil, err
	}

	results := make([]exchange.SignedResult, 0, len(latest))
	for _, res := range latest {
		results = append(results, res)
	}
	return results, nil
}
