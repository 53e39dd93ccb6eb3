package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityHandler is the slog handler behind every logger in the
// system. It injects trace/span ids from the context, counts log
// volume per level, and hands entries to a buffered background writer
// so a slow sink never stalls a request.
type ObservabilityHandler struct {
	opts        HandlerOptions
	tracer      trace.Tracer
	meter       metric.Meter
	serviceName string

	logCounter  metric.Int64Counter
	logsDropped metric.Int64Counter

	buffer   chan logEntry
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type HandlerOptions struct {
	Level      slog.Level
	Writer     io.Writer
	BufferSize int
}

type logEntry struct {
	time  time.Time
	level slog.Level
	msg   string
	attrs []slog.Attr
	ctx   context.Context
}

func NewObservabilityHandler(tracer trace.Tracer, meter metric.Meter, serviceName string) (*ObservabilityHandler, error) {
	return NewObservabilityHandlerWithOptions(tracer, meter, serviceName, HandlerOptions{
		Level:      slog.LevelInfo,
		Writer:     os.Stderr,
		BufferSize: 1000,
	})
}

func NewObservabilityHandlerWithOptions(tracer trace.Tracer, meter metric.Meter, serviceName string, opts HandlerOptions) (*ObservabilityHandler, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}

	logCounter, err := meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	logsDropped, err := meter.Int64Counter(
		"logs_dropped_total",
		metric.WithDescription("Log entries dropped because the buffer was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	h := &ObservabilityHandler{
		opts:        opts,
		tracer:      tracer,
		meter:       meter,
		serviceName: serviceName,
		logCounter:  logCounter,
		logsDropped: logsDropped,
		buffer:      make(chan logEntry, opts.BufferSize),
		shutdown:    make(chan struct{}),
	}

	h.wg.Add(1)
	go h.processLogs()

	return h, nil
}

func (h *ObservabilityHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *ObservabilityHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	attrs := make([]slog.Attr, 0, r.NumAttrs()+3)
	r.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		attrs = append(attrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	attrs = append(attrs, slog.String("service", h.serviceName))

	entry := logEntry{
		time:  r.Time,
		level: r.Level,
		msg:   r.Message,
		attrs: attrs,
		ctx:   ctx,
	}

	select {
	case h.buffer <- entry:
	default:
		h.logsDropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", h.serviceName),
		))
	}

	return nil
}

func (h *ObservabilityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Handlers are cheap and the attr set small; a fresh handler over
	// the same buffer configuration is good enough here.
	newHandler, _ := NewObservabilityHandlerWithOptions(h.tracer, h.meter, h.serviceName, h.opts)
	return newHandler
}

func (h *ObservabilityHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *ObservabilityHandler) processLogs() {
	defer h.wg.Done()

	for {
		select {
		case entry := <-h.buffer:
			h.processLogEntry(entry)
		case <-h.shutdown:
			// Drain what is already buffered.
			for {
				select {
				case entry := <-h.buffer:
					h.processLogEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (h *ObservabilityHandler) processLogEntry(entry logEntry) {
	h.logCounter.Add(entry.ctx, 1, metric.WithAttributes(
		attribute.String("level", entry.level.String()),
		attribute.String("service", h.serviceName),
	))

	if h.opts.Writer == nil {
		return
	}

	logData := map[string]any{
		"time":  entry.time.Format(time.RFC3339),
		"level": entry.level.String(),
		"msg":   entry.msg,
	}
	for _, attr := range entry.attrs {
		logData[attr.Key] = attr.Value.Any()
	}
	line, err := json.Marshal(logData)
	if err != nil {
		fmt.Fprintf(h.opts.Writer, "%v\n", logData)
		return
	}
	h.opts.Writer.Write(append(line, '\n'))
}

func (h *ObservabilityHandler) Shutdown(ctx context.Context) error {
	close(h.shutdown)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
