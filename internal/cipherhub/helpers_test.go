package cipherhub

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/owulveryck/cipherhub/internal/auth"
	"github.com/owulveryck/cipherhub/internal/config"
	"github.com/owulveryck/cipherhub/internal/envelope"
	"github.com/owulveryck/cipherhub/internal/exchange"
	"github.com/owulveryck/cipherhub/internal/observability"
	"github.com/owulveryck/cipherhub/internal/tunnel"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := envelope.SetBrokerDomain("broker.test"); err != nil {
		panic(err)
	}
}

type testEnv struct {
	server *BrokerServer
	ts     *httptest.Server
	store  *auth.StaticKeyStore
}

// newTestEnv assembles a broker around an httptest listener with short
// sweep and rendezvous windows. No OTLP exporter is involved; metrics
// go to a noop meter and traces to the global noop tracer.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metricsManager, err := observability.NewMetricsManager(noopmetric.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("metrics manager: %v", err)
	}

	store := auth.NewStaticKeyStore()
	s := &BrokerServer{
		Config:         config.Load(),
		Logger:         logger,
		TraceManager:   observability.NewTraceManager("test"),
		MetricsManager: metricsManager,
		Tasks:          exchange.NewRegistry[*envelope.EncryptedTaskRequest](exchange.DefaultTaskCapacities(), logger),
		Sockets:        exchange.NewRegistry[*envelope.SocketTask](exchange.DefaultSocketCapacities(), logger),
		Verifier:       auth.NewVerifier(store, auth.DefaultSkew),
		Rendezvous:     tunnel.NewRendezvous(300*time.Millisecond, logger),
	}
	s.Rendezvous.OnPaired = func(id envelope.MsgID) {
		s.Sockets.Remove(context.Background(), id)
		s.MetricsManager.IncrementSocketsPaired(context.Background())
	}
	s.engine = s.routes()

	ctx, cancel := context.WithCancel(context.Background())
	taskSweeper := exchange.NewSweeper(s.Tasks, 50*time.Millisecond, logger)
	socketSweeper := exchange.NewSweeper(s.Sockets, 50*time.Millisecond, logger)
	go taskSweeper.Run(ctx)
	go socketSweeper.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
		s.Tasks.Close()
		s.Sockets.Close()
	})
	return &testEnv{server: s, ts: ts, store: store}
}

// client builds a BrokerClient for app@proxy, registering the proxy's
// secret with the broker's key store.
func (e *testEnv) client(t *testing.T, app, proxy string) *BrokerClient {
	t.Helper()
	id, err := envelope.NewAppID(app, proxy)
	if err != nil {
		t.Fatalf("app id %s.%s: %v", app, proxy, err)
	}
	e.store.AddSecret(id, []byte("test-secret-"+proxy))
	c, err := NewBrokerClient(ClientConfig{
		BaseURL:  e.ts.URL,
		Identity: id,
		Store:    e.store,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("client for %s: %v", id, err)
	}
	return c
}

// newTask builds a valid task from issuer to the recipients.
func newTask(from *BrokerClient, ttl time.Duration, to ...envelope.AppOrProxyID) *envelope.EncryptedTaskRequest {
	return &envelope.EncryptedTaskRequest{
		ID:   envelope.NewMsgID(),
		From: from.ID(),
		To:   to,
		TTL:  envelope.TTL{Duration: ttl},
		Body: "ciphertext",
	}
}

// newResult builds a valid result from worker for the given task.
func newResult(from *BrokerClient, task *envelope.EncryptedTaskRequest, status envelope.WorkStatus) *envelope.EncryptedTaskResult {
	body := "reply ciphertext"
	return &envelope.EncryptedTaskResult{
		From:   from.ID(),
		To:     []envelope.AppOrProxyID{task.From},
		Task:   task.ID,
		Status: status,
		Body:   &body,
	}
}

// within builds a deadline-only block.
func within(d time.Duration) exchange.HowLongToBlock {
	return exchange.HowLongToBlock{WaitTime: &d}
}

// countWithin builds a count-plus-deadline block.
func countWithin(n uint, d time.Duration) exchange.HowLongToBlock {
	return exchange.HowLongToBlock{WaitCount: &n, WaitTime: &d}
}

// wantAPIError asserts err is an APIError with the given status.
func wantAPIError(t *testing.T, err error, status int) {
	t.Helper()
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError with status %d, got %v", status, err)
	}
	if apiErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, apiErr.Status, apiErr.Message)
	}
}
