package cipherhub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/owulveryck/cipherhub/internal/auth"
	"github.com/owulveryck/cipherhub/internal/envelope"
	"github.com/owulveryck/cipherhub/internal/exchange"
	"github.com/owulveryck/cipherhub/internal/tunnel"
)

// SignedTask and SignedSocket are what the listing endpoints return:
// the signed shell plus the results collected so far.
type (
	SignedTask   = exchange.TaskView[*envelope.EncryptedTaskRequest]
	SignedSocket = exchange.TaskView[*envelope.SocketTask]
)

// APIError carries a non-2xx broker answer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker answered %d: %s", e.Status, e.Message)
}

// ClientConfig configures a BrokerClient.
type ClientConfig struct {
	// BaseURL is the broker's public base URL, without a trailing
	// slash.
	BaseURL string
	// Identity is the app this client acts as. Its proxy's key must be
	// resolvable through Store.
	Identity envelope.AppOrProxyID
	Store    auth.KeyStore

	// HTTPClient defaults to a client without timeout; long polls need
	// per-request contexts, not a global deadline.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// BrokerClient talks to one broker as one app. Every request is signed
// with the extended JWT scheme; envelopes are signed before posting.
type BrokerClient struct {
	baseURL string
	signer  *auth.Signer
	http    *http.Client
	logger  *slog.Logger
}

func NewBrokerClient(cfg ClientConfig) (*BrokerClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL must be set")
	}
	if cfg.Identity.IsZero() {
		return nil, fmt.Errorf("client identity must be set")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("key store must be set")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		signer:  auth.NewSigner(cfg.Identity, cfg.Store),
		http:    httpClient,
		logger:  logger,
	}, nil
}

// ID returns the identity this client signs as.
func (c *BrokerClient) ID() envelope.AppOrProxyID { return c.signer.ID() }

// ListOptions narrows a task or socket listing and sets the long-poll
// block.
type ListOptions struct {
	From  *envelope.AppOrProxyID
	To    *envelope.AppOrProxyID
	Todo  bool
	Block exchange.HowLongToBlock
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.From != nil {
		q.Set("from", o.From.String())
	}
	if o.To != nil {
		q.Set("to", o.To.String())
	}
	if o.Todo {
		q.Set("filter", "todo")
	}
	if o.Block.WaitCount != nil {
		q.Set("wait_count", strconv.FormatUint(uint64(*o.Block.WaitCount), 10))
	}
	if o.Block.WaitTime != nil {
		q.Set("wait_time", o.Block.WaitTime.String())
	}
	return q
}

// do signs and sends one request. The signature binds the method, the
// full request URI and the body, so the broker rejects any replay
// against a different resource.
func (c *BrokerClient) do(ctx context.Context, method, uri string, body []byte, accept string) (*http.Response, error) {
	token, err := c.signer.SignRequest(ctx, method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth.Scheme+" "+token)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/jwt")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return c.http.Do(req)
}

// fail drains a non-2xx response into an APIError.
func fail(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(body))
	}
	return &APIError{Status: resp.StatusCode, Message: payload.Error}
}

// PostTask signs and posts one task. The task keeps its id, so the
// caller can watch results afterwards.
func (c *BrokerClient) PostTask(ctx context.Context, task *envelope.EncryptedTaskRequest) error {
	if err := task.Validate(); err != nil {
		return err
	}
	token, err := c.signer.SignEnvelope(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to sign task: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/tasks", []byte(token), "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fail(resp)
	}
	c.logger.InfoContext(ctx, "Task posted", "task_id", task.ID.String())
	return nil
}

// ListTasks lists tasks visible to this client, blocking per opts.
// Both a complete (200) and a partial (206) answer return normally.
func (c *BrokerClient) ListTasks(ctx context.Context, opts ListOptions) ([]SignedTask, error) {
	uri := "/v1/tasks"
	if q := opts.query(); len(q) > 0 {
		uri += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, uri, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fail(resp)
	}
	var tasks []SignedTask
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("failed to decode task list: %w", err)
	}
	return tasks, nil
}

// PutResult signs and submits one result. It reports whether this was
// the first result from this worker (true) or a replacement (false).
func (c *BrokerClient) PutResult(ctx context.Context, result *envelope.EncryptedTaskResult) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}
	token, err := c.signer.SignEnvelope(ctx, result)
	if err != nil {
		return false, fmt.Errorf("failed to sign result: %w", err)
	}
	uri := fmt.Sprintf("/v1/tasks/%s/results/%s", result.Task.String(), url.PathEscape(result.From.String()))
	resp, err := c.do(ctx, http.MethodPut, uri, []byte(token), "")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusNoContent:
		return false, nil
	default:
		return false, fail(resp)
	}
}

// GetResults long-polls the results of one of this client's tasks.
func (c *BrokerClient) GetResults(ctx context.Context, taskID envelope.MsgID, block exchange.HowLongToBlock) ([]exchange.SignedResult, error) {
	uri := "/v1/tasks/" + taskID.String() + "/results"
	if q := (ListOptions{Block: block}).query(); len(q) > 0 {
		uri += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, uri, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fail(resp)
	}
	var results []exchange.SignedResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	return results, nil
}

// ResultEvent is one frame of a result stream.
type ResultEvent struct {
	Name string
	Data json.RawMessage
}

// StreamResults opens an SSE stream over one task's results and calls
// handler per event until the stream ends, the handler errors or ctx
// is canceled. A wait_expired or deleted_task event ends the stream
// normally.
func (c *BrokerClient) StreamResults(ctx context.Context, taskID envelope.MsgID, block exchange.HowLongToBlock, handler func(ResultEvent) error) error {
	uri := "/v1/tasks/" + taskID.String() + "/results"
	if q := (ListOptions{Block: block}).query(); len(q) > 0 {
		uri += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, uri, nil, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), auth.MaxBodyBytes)
	var ev ResultEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "":
			if ev.Name == "" {
				continue
			}
			if err := handler(ev); err != nil {
				return err
			}
			if ev.Name == exchange.EventWaitExpired || ev.Name == exchange.EventDeletedTask {
				return nil
			}
			ev = ResultEvent{}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

// PostSocket signs and posts one socket task.
func (c *BrokerClient) PostSocket(ctx context.Context, socket *envelope.SocketTask) error {
	if err := socket.Validate(); err != nil {
		return err
	}
	token, err := c.signer.SignEnvelope(ctx, socket)
	if err != nil {
		return fmt.Errorf("failed to sign socket task: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/sockets", []byte(token), "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fail(resp)
	}
	c.logger.InfoContext(ctx, "Socket task posted", "socket_id", socket.ID.String())
	return nil
}

// ListSockets lists socket tasks visible to this client.
func (c *BrokerClient) ListSockets(ctx context.Context, opts ListOptions) ([]SignedSocket, error) {
	uri := "/v1/sockets"
	if q := opts.query(); len(q) > 0 {
		uri += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, uri, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fail(resp)
	}
	var sockets []SignedSocket
	if err := json.NewDecoder(resp.Body).Decode(&sockets); err != nil {
		return nil, fmt.Errorf("failed to decode socket list: %w", err)
	}
	return sockets, nil
}

// DialSocket joins one side of a socket rendezvous. The returned
// connection relays to whoever holds the other side; the broker drops
// the socket task once both sides are paired. The call blocks until
// the peer arrives or the rendezvous window closes.
func (c *BrokerClient) DialSocket(ctx context.Context, socketID envelope.MsgID) (*websocket.Conn, error) {
	uri := "/v1/sockets/" + socketID.String()
	token, err := c.signer.SignRequest(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	wsURL := c.baseURL + uri
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	header := http.Header{}
	header.Set("Authorization", auth.Scheme+" "+token)

	dialer := websocket.Dialer{
		HandshakeTimeout: tunnel.DefaultWait + 10*time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fail(resp)
		}
		return nil, err
	}
	return conn, nil
}
