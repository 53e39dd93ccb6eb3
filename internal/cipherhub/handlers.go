package cipherhub

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/owulveryck/cipherhub/internal/auth"
	"github.com/owulveryck/cipherhub/internal/envelope"
	"github.com/owulveryck/cipherhub/internal/exchange"
	"github.com/owulveryck/cipherhub/internal/tunnel"
)

// handleHealth answers unauthenticated liveness probes on the main
// listener. The richer health surface lives on the side server.
func (s *BrokerServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handlePostTask accepts one signed encrypted task.
func (s *BrokerServer) handlePostTask(c *gin.Context) {
	ctx := c.Request.Context()
	sender, _ := auth.Sender(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing task envelope"})
		return
	}
	signed, err := auth.VerifyEnvelope[envelope.EncryptedTaskRequest](ctx, s.Verifier, string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if signed.From != sender {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "envelope from does not match authenticated sender"})
		return
	}
	if err := signed.Msg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := s.TraceManager.StartTaskPostSpan(ctx, signed.Msg.ID.String(), sender.String(), len(signed.Msg.To))
	defer span.End()

	if err := s.Tasks.Insert(ctx, signed); err != nil {
		s.TraceManager.RecordError(span, err)
		if errors.Is(err, exchange.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "task id already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.TraceManager.SetSpanSuccess(span)
	s.MetricsManager.IncrementTasksPosted(ctx, "task")
	c.Header("Location", "/v1/tasks/"+signed.Msg.ID.String())
	c.Status(http.StatusCreated)
}

// handleListTasks is the recipient's long-poll for work and the
// issuer's view of its open tasks.
func (s *BrokerServer) handleListTasks(c *gin.Context) {
	ctx := c.Request.Context()
	sender, _ := auth.Sender(c)

	from, hasFrom, err := parseIdentity(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, hasTo, err := parseIdentity(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	todo := c.Query("filter") == "todo"
	if todo && !hasTo {
		// The todo filter is the worker's view; it defaults to the
		// worker's own queue.
		to, hasTo = sender, true
	}
	if (!hasFrom || from != sender) && (!hasTo || to != sender) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller must appear as from or to"})
		return
	}

	block, err := parseBlock(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := block.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := func(v exchange.TaskView[*envelope.EncryptedTaskRequest]) bool {
		if hasFrom && v.Msg.From != from {
			return false
		}
		if hasTo && !envelope.ContainsID(v.Msg.To, to) {
			return false
		}
		if todo {
			if res, ok := v.Results[sender]; ok && res.Msg.Status.IsClosed() {
				return false
			}
		}
		return true
	}

	ctx, span := s.TraceManager.StartWaitSpan(ctx, "tasks", sender.String())
	defer span.End()
	done := s.MetricsManager.StartWaiter(ctx, "tasks")
	defer done()

	watch := s.Tasks.WatchTasks(filter)
	defer watch.Cancel()

	tasks, err := exchange.GatherTasks(ctx, watch, block, filter)
	if err != nil {
		s.failWait(c, span, err)
		return
	}
	s.TraceManager.SetSpanSuccess(span)
	if tasks == nil {
		tasks = []exchange.TaskView[*envelope.EncryptedTaskRequest]{}
	}
	c.JSON(blockStatus(block, len(tasks)), tasks)
}

// handlePutResult stores one worker's reply.
func (s *BrokerServer) handlePutResult(c *gin.Context) {
	ctx := c.Request.Context()
	sender, _ := auth.Sender(c)

	taskID, err := envelope.ParseMsgID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	appID, err := envelope.ParseAppOrProxyID(c.Param("app_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing result envelope"})
		return
	}
	signed, err := auth.VerifyEnvelope[envelope.EncryptedTaskResult](ctx, s.Verifier, string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if signed.From != sender {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "envelope from does not match authenticated sender"})
		return
	}
	if signed.Msg.Task != taskID || signed.Msg.From != appID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path does not match envelope"})
		return
	}
	if err := signed.Msg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := s.TraceManager.StartResultPutSpan(ctx, taskID.String(), sender.String(), string(signed.Msg.Status))
	defer span.End()

	outcome, err := s.Tasks.PutResult(ctx, taskID, signed)
	if err != nil {
		s.TraceManager.RecordError(span, err)
		switch {
		case errors.Is(err, exchange.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no such task"})
		case errors.Is(err, exchange.ErrUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "sender is not a recipient of this task"})
		case errors.Is(err, exchange.ErrMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "result does not belong to this task"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	s.TraceManager.SetSpanSuccess(span)
	s.MetricsManager.IncrementResultsPosted(ctx, string(signed.Msg.Status), outcome == exchange.ResultReplaced)
	if outcome == exchange.ResultCreated {
		c.Status(http.StatusCreated)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleGetResults is the issuer's long-poll or SSE stream over one
// task's results.
func (s *BrokerServer) handleGetResults(c *gin.Context) {
	ctx := c.Request.Context()
	sender, _ := auth.Sender(c)

	taskID, err := envelope.ParseMsgID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := s.Tasks.Get(taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such task"})
		return
	}
	if view.Msg.From != sender {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "only the task issuer may read results"})
		return
	}

	block, err := parseBlock(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := block.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	watch, err := s.Tasks.WatchResults(taskID)
	if err != nil {
		// Expired between the auth check and the watch.
		c.JSON(http.StatusNotFound, gin.H{"error": "no such task"})
		return
	}
	defer watch.Cancel()

	ctx, span := s.TraceManager.StartWaitSpan(ctx, "results", sender.String())
	defer span.End()
	done := s.MetricsManager.StartWaiter(ctx, "results")
	defer done()

	if wantsEventStream(c) {
		closeStream := s.MetricsManager.StartSSEStream(ctx)
		defer closeStream()
		sse := newSSEWriter(c)
		if err := exchange.StreamResults(ctx, taskID, watch, block, sse.Emit); err != nil {
			s.TraceManager.RecordError(span, err)
			if errors.Is(err, exchange.ErrChannel) {
				s.MetricsManager.IncrementBroadcastDrops(ctx, "result")
			}
			// The 200 already went out; nothing more to send.
			return
		}
		s.TraceManager.SetSpanSuccess(span)
		return
	}

	results, err := exchange.GatherResults(ctx, taskID, watch, block)
	if err != nil {
		s.failWait(c, span, err)
		return
	}
	s.TraceManager.SetSpanSuccess(span)
	if results == nil {
		results = []exchange.SignedResult{}
	}
	c.JSON(blockStatus(block, len(results)), results)
}

// handlePostSocket accepts one signed socket task.
func (s *BrokerServer) handlePostSocket(c *gin.Context) {
	ctx := c.Request.Context()
	sender, _ := auth.Sender(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing socket envelope"})
		return
	}
	signed, err := auth.VerifyEnvelope[envelope.SocketTask](ctx, s.Verifier, string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if signed.From != sender {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "envelope from does not match authenticated sender"})
		return
	}
	if err := signed.Msg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := s.TraceManager.StartTaskPostSpan(ctx, signed.Msg.ID.String(), sender.String(), len(signed.Msg.To))
	defer span.End()

	if err := s.Sockets.Insert(ctx, signed); err != nil {
		s.TraceManager.RecordError(span, err)
		if errors.Is(err, exchange.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "socket id already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.TraceManager.SetSpanSuccess(span)
	s.MetricsManager.IncrementTasksPosted(ctx, "socket")
	c.Header("Location", "/v1/sockets/"+signed.Msg.ID.String())
	c.Status(http.StatusCreated)
}

// handleListSockets lets a recipient discover socket tasks addressed
// to it. Same shape as the task listing without the todo filter.
func (s *BrokerServer) handleListSockets(c *gin.Context) {
	ctx := c.Request.Context()
	sender, _ := auth.Sender(c)

	from, hasFrom, err := parseIdentity(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, hasTo, err := parseIdentity(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !hasFrom && !hasTo {
		to, hasTo = sender, true
	}
	if (!hasFrom || from != sender) && (!hasTo || to != sender) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller must appear as from or to"})
		return
	}

	block, err := parseBlock(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := block.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := func(v exchange.TaskView[*envelope.SocketTask]) bool {
		if hasFrom && v.Msg.From != from {
			return false
		}
		if hasTo && !envelope.ContainsID(v.Msg.To, to) {
			return false
		}
		return true
	}

	ctx, span := s.TraceManager.StartWaitSpan(ctx, "sockets", sender.String())
	defer span.End()
	done := s.MetricsManager.StartWaiter(ctx, "sockets")
	defer done()

	watch := s.Sockets.WatchTasks(filter)
	defer watch.Cancel()

	sockets, err := exchange.GatherTasks(ctx, watch, block, filter)
	if err != nil {
		s.failWait(c, span, err)
		return
	}
	s.TraceManager.SetSpanSuccess(span)
	if sockets == nil {
		sockets = []exchange.TaskView[*envelope.SocketTask]{}
	}
	c.JSON(blockStatus(block, len(sockets)), sockets)
}

// handleSocketConnect runs one side of the tunnel rendezvous.
func (s *BrokerServer) handleSocketConnect(c *gin.Context) {
	ctx := c.Request.Context()
	sender, _ := auth.Sender(c)

	socketID, err := envelope.ParseMsgID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := s.Sockets.Get(socketID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such socket"})
		return
	}
	if view.Msg.From != sender && !envelope.ContainsID(view.Msg.To, sender) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller is not a party of this socket"})
		return
	}
	if !tunnel.CanUpgrade(c.Request) {
		c.JSON(http.StatusUpgradeRequired, gin.H{"error": "websocket upgrade required"})
		return
	}

	ctx, span := s.TraceManager.StartSocketSpan(ctx, socketID.String(), sender.String())
	defer span.End()

	if err := s.Rendezvous.Connect(c.Writer, c.Request, socketID); err != nil {
		s.TraceManager.RecordError(span, err)
		if errors.Is(err, tunnel.ErrNoPeer) {
			c.JSON(http.StatusGone, gin.H{"error": "no peer arrived for this socket"})
		}
		// Other errors happen at or after the upgrade; the response
		// is no longer ours to write.
		return
	}
	s.TraceManager.SetSpanSuccess(span)
}

// failWait maps a waiter failure to its status code. Channel loss is
// the one internal error the core admits.
func (s *BrokerServer) failWait(c *gin.Context, span trace.Span, err error) {
	s.TraceManager.RecordError(span, err)
	switch {
	case errors.Is(err, exchange.ErrBadBlock):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, exchange.ErrChannel):
		s.MetricsManager.IncrementBroadcastDrops(c.Request.Context(), "wait")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "broadcast subscription failed"})
	default:
		// Client went away mid-wait; nothing to answer.
		c.Abort()
	}
}
