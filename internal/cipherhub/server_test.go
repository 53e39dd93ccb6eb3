package cipherhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/owulveryck/cipherhub/internal/envelope"
	"github.com/owulveryck/cipherhub/internal/exchange"
)

func TestHealthEndpointIsOpen(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/v1/tasks")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatalf("post task: %v", err)
	}

	// The worker finds it on its todo queue.
	todos, err := worker.ListTasks(ctx, ListOptions{Todo: true, Block: countWithin(1, 2*time.Second)})
	if err != nil {
		t.Fatalf("list todo: %v", err)
	}
	if len(todos) != 1 || todos[0].Msg.ID != task.ID {
		t.Fatalf("expected the posted task, got %d entries", len(todos))
	}
	if todos[0].Msg.Body != task.Body {
		t.Fatalf("task body did not round-trip: %q", todos[0].Msg.Body)
	}

	// Claim, then succeed.
	created, err := worker.PutResult(ctx, newResult(worker, task, envelope.StatusClaimed))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !created {
		t.Fatal("first result should be a creation")
	}
	created, err = worker.PutResult(ctx, newResult(worker, task, envelope.StatusSucceeded))
	if err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if created {
		t.Fatal("second result from the same worker should replace")
	}

	// A closed result takes the task off the todo queue.
	todos, err = worker.ListTasks(ctx, ListOptions{Todo: true, Block: within(100 * time.Millisecond)})
	if err != nil {
		t.Fatalf("list todo after close: %v", err)
	}
	if len(todos) != 0 {
		t.Fatalf("closed task still on todo queue: %d entries", len(todos))
	}

	// The issuer reads the final result.
	results, err := issuer.GetResults(ctx, task.ID, countWithin(1, 2*time.Second))
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Msg.Status != envelope.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", results[0].Msg.Status)
	}
	if results[0].From != worker.ID() {
		t.Fatalf("result attributed to %s", results[0].From)
	}
}

func TestPostTaskDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	err := issuer.PostTask(ctx, task)
	wantAPIError(t, err, http.StatusConflict)
}

func TestPostTaskSenderMustMatchEnvelope(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	other := env.client(t, "other", "gamma")
	ctx := context.Background()

	// A valid envelope signed by issuer, posted over a request signed
	// by someone else.
	task := newTask(issuer, time.Minute, other.ID())
	token, err := issuer.signer.SignEnvelope(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := other.do(ctx, http.MethodPost, "/v1/tasks", []byte(token), "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestListTasksRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	nosy := env.client(t, "nosy", "gamma")
	ctx := context.Background()

	workerID := worker.ID()
	_, err := nosy.ListTasks(ctx, ListOptions{To: &workerID, Block: within(time.Second)})
	wantAPIError(t, err, http.StatusUnauthorized)

	issuerID := issuer.ID()
	_, err = nosy.ListTasks(ctx, ListOptions{From: &issuerID, Block: within(time.Second)})
	wantAPIError(t, err, http.StatusUnauthorized)
}

func TestListTasksFromView(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := worker.PutResult(ctx, newResult(worker, task, envelope.StatusClaimed)); err != nil {
		t.Fatal(err)
	}

	issuerID := issuer.ID()
	tasks, err := issuer.ListTasks(ctx, ListOptions{From: &issuerID, Block: countWithin(1, 2*time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	res, ok := tasks[0].Results[worker.ID()]
	if !ok {
		t.Fatal("issuer view should carry the worker's result")
	}
	if res.Msg.Status != envelope.StatusClaimed {
		t.Fatalf("expected claimed, got %s", res.Msg.Status)
	}
}

func TestPutResultStatusCodes(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	stranger := env.client(t, "stranger", "gamma")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	// Unknown task.
	ghost := newTask(issuer, time.Minute, worker.ID())
	_, err := worker.PutResult(ctx, newResult(worker, ghost, envelope.StatusSucceeded))
	wantAPIError(t, err, http.StatusNotFound)

	// Not a recipient.
	_, err = stranger.PutResult(ctx, newResult(stranger, task, envelope.StatusSucceeded))
	wantAPIError(t, err, http.StatusUnauthorized)

	// Path and envelope disagree.
	res := newResult(worker, task, envelope.StatusSucceeded)
	token, err := worker.signer.SignEnvelope(ctx, res)
	if err != nil {
		t.Fatal(err)
	}
	uri := fmt.Sprintf("/v1/tasks/%s/results/%s", task.ID.String(), issuer.ID().String())
	resp, err := worker.do(ctx, http.MethodPut, uri, []byte(token), "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for path mismatch, got %d", resp.StatusCode)
	}
}

func TestGetResultsOnlyForIssuer(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	_, err := worker.GetResults(ctx, task.ID, within(time.Second))
	wantAPIError(t, err, http.StatusUnauthorized)

	_, err = issuer.GetResults(ctx, envelope.NewMsgID(), within(time.Second))
	wantAPIError(t, err, http.StatusNotFound)
}

func TestBadWaitParameters(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	ctx := context.Background()

	for _, query := range []string{
		"wait_count=abc",
		"wait_time=-5",
		"", // neither bound set
	} {
		uri := "/v1/tasks"
		if query != "" {
			uri += "?" + query
		}
		resp, err := issuer.do(ctx, http.MethodGet, uri, nil, "")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("query %q: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

func TestListTasksPartialOnTimeout(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	// Two wanted, one present: the deadline returns 206 with the one.
	uri := "/v1/tasks?filter=todo&wait_count=2&wait_time=150ms"
	resp, err := worker.do(ctx, http.MethodGet, uri, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	var tasks []SignedTask
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Msg.ID != task.ID {
		t.Fatalf("expected the one live task, got %d entries", len(tasks))
	}
}

func TestLongPollWakesOnResult(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		worker.PutResult(ctx, newResult(worker, task, envelope.StatusSucceeded))
	}()

	wait := 5 * time.Second
	start := time.Now()
	results, err := issuer.GetResults(ctx, task.ID, countWithin(1, wait))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if elapsed := time.Since(start); elapsed >= wait {
		t.Fatalf("poll did not wake early, took %s", elapsed)
	}
}

func TestLongPollPartialOnTimeout(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	wait := 150 * time.Millisecond
	uri := "/v1/tasks/" + task.ID.String() + "/results?wait_count=1&wait_time=" + wait.String()
	resp, err := issuer.do(ctx, http.MethodGet, uri, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206 on unsatisfied count, got %d", resp.StatusCode)
	}
	var results []exchange.SignedResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty buffer, got %d", len(results))
	}
}

func TestStreamResults(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, time.Minute, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		worker.PutResult(ctx, newResult(worker, task, envelope.StatusClaimed))
		time.Sleep(50 * time.Millisecond)
		worker.PutResult(ctx, newResult(worker, task, envelope.StatusSucceeded))
	}()

	var names []string
	err := issuer.StreamResults(ctx, task.ID, within(2*time.Second), func(ev ResultEvent) error {
		names = append(names, ev.Name)
		if ev.Name == exchange.EventUpdatedResult {
			var res exchange.SignedResult
			if err := json.Unmarshal(ev.Data, &res); err != nil {
				return err
			}
			if res.Msg.Status != envelope.StatusSucceeded {
				t.Errorf("expected succeeded update, got %s", res.Msg.Status)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{exchange.EventNewResult, exchange.EventUpdatedResult, exchange.EventWaitExpired}
	if len(names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, names)
		}
	}
}

func TestStreamEndsOnTaskExpiry(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, 150*time.Millisecond, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	var last string
	err := issuer.StreamResults(ctx, task.ID, within(5*time.Second), func(ev ResultEvent) error {
		last = ev.Name
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if last != exchange.EventDeletedTask {
		t.Fatalf("expected deleted_task to end the stream, got %q", last)
	}
}

func TestSweeperExpiresTasks(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	worker := env.client(t, "worker", "beta")
	ctx := context.Background()

	task := newTask(issuer, 80*time.Millisecond, worker.ID())
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := issuer.GetResults(ctx, task.ID, within(10*time.Millisecond))
		if err != nil {
			wantAPIError(t, err, http.StatusNotFound)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("task never expired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPublisherWorkerRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	workerClient := env.client(t, "worker", "beta")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	worker := NewTaskWorker(workerClient, nil)
	worker.Poll = 200 * time.Millisecond
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go worker.Run(workerCtx, func(ctx context.Context, task SignedTask) (envelope.WorkStatus, *string, error) {
		reply := "echo:" + task.Msg.Body
		return envelope.StatusSucceeded, &reply, nil
	})

	publisher := NewTaskPublisher(issuer, nil)
	taskID, err := publisher.PublishTask(ctx, PublishTaskOptions{
		To:   []envelope.AppOrProxyID{workerClient.ID()},
		Body: "payload",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	results, err := publisher.AwaitResults(ctx, taskID, 1, 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.Msg.Status != envelope.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", res.Msg.Status)
	}
	if res.Msg.Body == nil || *res.Msg.Body != "echo:payload" {
		t.Fatalf("unexpected reply body: %v", res.Msg.Body)
	}
}

func TestConcurrentWorkers(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.client(t, "issuer", "alpha")
	ctx := context.Background()

	const workers = 8
	clients := make([]*BrokerClient, workers)
	recipients := make([]envelope.AppOrProxyID, workers)
	for i := range clients {
		clients[i] = env.client(t, fmt.Sprintf("worker%d", i), "beta")
		recipients[i] = clients[i].ID()
	}

	task := newTask(issuer, time.Minute, recipients...)
	if err := issuer.PostTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *BrokerClient) {
			defer wg.Done()
			if _, err := c.PutResult(ctx, newResult(c, task, envelope.StatusSucceeded)); err != nil {
				t.Errorf("%s: %v", c.ID(), err)
			}
		}(c)
	}
	wg.Wait()

	results, err := issuer.GetResults(ctx, task.ID, countWithin(workers, 5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != workers {
		t.Fatalf("expected %d results, got %d", workers, len(results))
	}
}
