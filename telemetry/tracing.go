// Package telemetry traces queue operations and bus messages with OpenTelemetry.
package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	qerrors "github.com/vinayprograms/taskqueue/errors"
)

// maxSpanTaskIDs caps queue.task_ids on debug spans.
const maxSpanTaskIDs = 100

// Tracer starts the spans the queue, api and bus packages emit.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // spans list every task ID touched
}

var global atomic.Pointer[Tracer]

// SetGlobalTracer installs t for GetTracer. nil restores the no-op tracer.
func SetGlobalTracer(t *Tracer) {
	global.Store(t)
}

// GetTracer never returns nil.
func GetTracer() *Tracer {
	if t := global.Load(); t != nil {
		return t
	}
	return NoopTracer()
}

func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// OperationSpanOptions describes the outcome of a queue operation. Zero
// fields are left off the span.
type OperationSpanOptions struct {
	TaskID    string
	ScalerID  string
	Urgency   string
	Status    string
	BatchSize int
	Count     int      // tasks returned or changed
	TaskIDs   []string // recorded in debug mode only
}

func (o OperationSpanOptions) attributes(debug bool) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 7)
	for key, val := range map[string]string{
		"queue.task_id":   o.TaskID,
		"queue.scaler_id": o.ScalerID,
		"queue.urgency":   o.Urgency,
		"queue.status":    o.Status,
	} {
		if val != "" {
			attrs = append(attrs, attribute.String(key, val))
		}
	}
	if o.BatchSize > 0 {
		attrs = append(attrs, attribute.Int("queue.batch_size", o.BatchSize))
	}
	attrs = append(attrs, attribute.Int("queue.count", o.Count))
	if debug && len(o.TaskIDs) > 0 {
		attrs = append(attrs, attribute.StringSlice("queue.task_ids", capIDs(o.TaskIDs)))
	}
	return attrs
}

// StartOperationSpan starts "queue.<op>".
func (t *Tracer) StartOperationSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "queue."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("queue.operation", op)))
}

func (t *Tracer) EndOperationSpan(span trace.Span, opts OperationSpanOptions, err error) {
	span.SetAttributes(opts.attributes(t.debug)...)
	t.EndSpan(span, err)
}

// StartPublishSpan starts a producer span for subject.
func (t *Tracer) StartPublishSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	return t.messageSpan(ctx, "bus.publish ", subject, trace.SpanKindProducer)
}

// StartHandleSpan starts a consumer span. ctx should already hold the
// publisher's span context, see Extract.
func (t *Tracer) StartHandleSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	return t.messageSpan(ctx, "bus.handle ", subject, trace.SpanKindConsumer)
}

func (t *Tracer) messageSpan(ctx context.Context, prefix, subject string, kind trace.SpanKind) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, prefix+subject,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attribute.String("messaging.destination.name", subject)))
}

// EndSpan ends span, recording err and its queue error code if any.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	if code := qerrors.Code(err); code != "" {
		span.SetAttributes(attribute.String("queue.error_code", string(code)))
	}
	span.SetStatus(codes.Error, err.Error())
}

// Inject returns the propagation headers for the trace in ctx, or nil when
// ctx carries none.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract joins ctx to the trace described by headers.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// TraceID is the hex trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func capIDs(ids []string) []string {
	if len(ids) <= maxSpanTaskIDs {
		return ids
	}
	return append(ids[:maxSpanTaskIDs:maxSpanTaskIDs], "...")
}
