package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartTaskPostSpan covers the insertion of one task into the
// exchange.
func (tm *TraceManager) StartTaskPostSpan(ctx context.Context, taskID, from string, recipients int) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "post_task", trace.WithAttributes(
		attribute.String("messaging.system", "cipherhub"),
		attribute.String("messaging.operation", "publish"),
		attribute.String("task.id", taskID),
		attribute.String("task.from", from),
		attribute.Int("task.recipients", recipients),
	))
}

// StartResultPutSpan covers one worker's result submission.
func (tm *TraceManager) StartResultPutSpan(ctx context.Context, taskID, worker, status string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "put_result", trace.WithAttributes(
		attribute.String("messaging.system", "cipherhub"),
		attribute.String("messaging.operation", "publish"),
		attribute.String("task.id", taskID),
		attribute.String("result.from", worker),
		attribute.String("result.status", status),
	))
}

// StartWaitSpan covers one long-poll or SSE wait.
func (tm *TraceManager) StartWaitSpan(ctx context.Context, endpoint, caller string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "wait_"+endpoint, trace.WithAttributes(
		attribute.String("messaging.system", "cipherhub"),
		attribute.String("messaging.operation", "receive"),
		attribute.String("wait.endpoint", endpoint),
		attribute.String("wait.caller", caller),
	))
}

// StartSocketSpan covers one side of a socket rendezvous.
func (tm *TraceManager) StartSocketSpan(ctx context.Context, socketID, caller string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "socket_rendezvous", trace.WithAttributes(
		attribute.String("messaging.system", "cipherhub"),
		attribute.String("socket.id", socketID),
		attribute.String("socket.caller", caller),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
