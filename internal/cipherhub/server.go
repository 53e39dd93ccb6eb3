package cipherhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/owulveryck/cipherhub/internal/auth"
	"github.com/owulveryck/cipherhub/internal/config"
	"github.com/owulveryck/cipherhub/internal/envelope"
	"github.com/owulveryck/cipherhub/internal/exchange"
	"github.com/owulveryck/cipherhub/internal/observability"
	"github.com/owulveryck/cipherhub/internal/tunnel"
)

// BrokerServer is the assembled broker: two registries, the sweeper
// pair, the rendezvous and the HTTP surface, plus the full
// observability stack.
type BrokerServer struct {
	Config         *config.AppConfig
	Observability  *observability.Observability
	Logger         *slog.Logger
	TraceManager   *observability.TraceManager
	MetricsManager *observability.MetricsManager
	HealthServer   *observability.HealthServer

	Tasks      *exchange.Registry[*envelope.EncryptedTaskRequest]
	Sockets    *exchange.Registry[*envelope.SocketTask]
	Verifier   *auth.Verifier
	Rendezvous *tunnel.Rendezvous

	engine        *gin.Engine
	httpServer    *http.Server
	taskSweeper   *exchange.Sweeper[*envelope.EncryptedTaskRequest]
	socketSweeper *exchange.Sweeper[*envelope.SocketTask]
	metricsTicker *observability.MetricsTicker
}

// NewBrokerServer wires a broker from configuration and a key store.
// Nothing listens yet; call Start.
func NewBrokerServer(cfg *config.AppConfig, store auth.KeyStore) (*BrokerServer, error) {
	if err := envelope.SetBrokerDomain(cfg.BrokerDomain); err != nil {
		return nil, fmt.Errorf("invalid broker domain: %w", err)
	}

	obs, err := observability.NewObservability(observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		PrometheusPort: cfg.PrometheusPort,
		Environment:    cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	metricsManager, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics manager: %w", err)
	}

	s := &BrokerServer{
		Config:         cfg,
		Observability:  obs,
		Logger:         obs.Logger,
		TraceManager:   observability.NewTraceManager(cfg.ServiceName),
		MetricsManager: metricsManager,
		Tasks: exchange.NewRegistry[*envelope.EncryptedTaskRequest](exchange.Capacities{
			NewTask: cfg.TaskNewCap,
			Deleted: cfg.TaskDeletedCap,
			Result:  cfg.TaskResultCap,
		}, obs.Logger),
		Sockets: exchange.NewRegistry[*envelope.SocketTask](exchange.Capacities{
			NewTask: cfg.SocketNewCap,
			Deleted: cfg.SocketDeletedCap,
			Result:  cfg.SocketResultCap,
		}, obs.Logger),
		Verifier:       auth.NewVerifier(store, auth.DefaultSkew),
		Rendezvous:     tunnel.NewRendezvous(cfg.RendezvousWait, obs.Logger),
	}

	// A paired socket is consumed; drop its task so nobody else finds
	// it.
	s.Rendezvous.OnPaired = func(id envelope.MsgID) {
		ctx := context.Background()
		if err := s.Sockets.Remove(ctx, id); err != nil && !errors.Is(err, exchange.ErrNotFound) {
			s.Logger.WarnContext(ctx, "Failed to remove paired socket task", "socket_id", id.String(), "error", err)
		}
		s.MetricsManager.IncrementSocketsPaired(ctx)
	}

	s.taskSweeper = exchange.NewSweeper(s.Tasks, cfg.SweepInterval, obs.Logger)
	s.taskSweeper.OnExpired = func(ctx context.Context, removed []envelope.MsgID) {
		s.MetricsManager.AddTasksExpired(ctx, "task", len(removed))
	}
	s.socketSweeper = exchange.NewSweeper(s.Sockets, cfg.SweepInterval, obs.Logger)
	s.socketSweeper.OnExpired = func(ctx context.Context, removed []envelope.MsgID) {
		s.MetricsManager.AddTasksExpired(ctx, "socket", len(removed))
	}

	s.HealthServer = observability.NewHealthServer(cfg.BrokerHealthPort, cfg.ServiceName, cfg.ServiceVersion)
	s.HealthServer.AddChecker("task_registry", observability.NewRegistryHealthChecker("task_registry", s.Tasks.Len, s.Tasks.Closed))
	s.HealthServer.AddChecker("socket_registry", observability.NewRegistryHealthChecker("socket_registry", s.Sockets.Len, s.Sockets.Closed))

	s.engine = s.routes()
	s.httpServer = &http.Server{
		Addr:    cfg.BrokerHTTPAddr,
		Handler: otelhttp.NewHandler(s.engine, "cipherhub-broker"),
	}

	return s, nil
}

// routes builds the gin engine. Everything under /v1 requires a signed
// request; /health answers probes without authentication.
func (s *BrokerServer) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	engine.GET("/health", s.handleHealth)
	engine.GET("/v1/health", s.handleHealth)

	v1 := engine.Group("/v1", auth.RequireSignature(s.Verifier))
	v1.POST("/tasks", s.handlePostTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.PUT("/tasks/:id/results/:app_id", s.handlePutResult)
	v1.GET("/tasks/:id/results", s.handleGetResults)
	v1.POST("/sockets", s.handlePostSocket)
	v1.GET("/sockets", s.handleListSockets)
	v1.GET("/sockets/:id", s.handleSocketConnect)

	return engine
}

// requestLogger logs one line per finished request. Long polls are the
// norm here, so the duration field matters more than usual.
func (s *BrokerServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		s.Logger.Log(c.Request.Context(), level, "Request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

// Handler exposes the HTTP surface for tests and embedding.
func (s *BrokerServer) Handler() http.Handler {
	return s.engine
}

// Start runs the broker until ctx is canceled or the listener fails.
// The sweepers, the metrics ticker and the health server run alongside
// the main listener.
func (s *BrokerServer) Start(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "Starting CipherHub broker",
		"service", s.Config.ServiceName,
		"version", s.Config.ServiceVersion,
		"addr", s.Config.BrokerHTTPAddr,
		"domain", s.Config.BrokerDomain,
		"health_port", s.Config.BrokerHealthPort,
	)

	go s.taskSweeper.Run(ctx)
	go s.socketSweeper.Run(ctx)

	s.metricsTicker = observability.NewMetricsTicker(ctx, s.MetricsManager)
	s.metricsTicker.Start()

	go func() {
		if err := s.HealthServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.ErrorContext(ctx, "Health server failed", "error", err)
		}
	}()

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener, the side servers and the registries.
func (s *BrokerServer) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "Shutting down CipherHub broker")

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.HealthServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.Tasks.Close()
	s.Sockets.Close()
	if s.metricsTicker != nil {
		s.metricsTicker.Stop()
	}
	if err := s.Observability.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// StartBroker builds a broker from the environment and runs it until
// ctx is canceled. The dev-mode shared secret backs the key store; a
// deployment with per-proxy keys builds the server itself.
func StartBroker(ctx context.Context) error {
	cfg := config.Load()
	if cfg.AppSecret == "" {
		return fmt.Errorf("CIPHERHUB_APP_SECRET must be set")
	}
	store := auth.NewCachedKeyStore(auth.SharedSecretKeyStore{Secret: []byte(cfg.AppSecret)}, 5*time.Minute)

	server, err := NewBrokerServer(cfg, store)
	if err != nil {
		return fmt.Errorf("failed to create broker server: %w", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Logger.ErrorContext(shutdownCtx, "Broker shutdown failed", "error", err)
		}
	}()

	return server.Start(ctx)
}
