package event

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into an OpenTelemetry span.
//
// Each span is named after the event type and carries:
//   - amelia.workflow_id, amelia.sequence, amelia.agent, amelia.level
//   - every Data entry as an attribute (token and cost keys mapped to
//     amelia.llm.* conventions)
//   - error status when Data["error"] is present
//
// Events represent points in time, so spans are ended immediately; the
// configured span processor batches them for export.
//
// Wiring:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := event.NewOTelEmitter(otel.Tracer("amelia"))
//	bus := event.NewBus(event.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends a span for the event.
func (o *OTelEmitter) Emit(e Event) {
	_, span := o.tracer.Start(context.Background(), string(e.Type))
	defer span.End()

	o.addStandardAttributes(span, e)
	o.addDataAttributes(span, e.Data)

	if errMsg, ok := e.Data["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of pending spans. Call before shutdown so batched
// spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, e Event) {
	span.SetAttributes(
		attribute.String("amelia.workflow_id", e.WorkflowID),
		attribute.Int64("amelia.sequence", e.Sequence),
		attribute.String("amelia.level", string(e.Level)),
	)
	if e.Agent != "" {
		span.SetAttributes(attribute.String("amelia.agent", e.Agent))
	}
}

// addDataAttributes converts event data to span attributes. Token and
// cost keys follow the amelia.llm.* naming convention.
func (o *OTelEmitter) addDataAttributes(span trace.Span, data map[string]any) {
	if data == nil {
		return
	}
	for key, value := range data {
		attrKey := key
		switch key {
		case "input_tokens":
			attrKey = "amelia.llm.input_tokens"
		case "output_tokens":
			attrKey = "amelia.llm.output_tokens"
		case "cache_read_tokens":
			attrKey = "amelia.llm.cache_read_tokens"
		case "cache_creation_tokens":
			attrKey = "amelia.llm.cache_creation_tokens"
		case "cost_usd":
			attrKey = "amelia.llm.cost_usd"
		case "model":
			attrKey = "amelia.llm.model"
		case "duration_ms":
			attrKey = "amelia.duration_ms"
		case "node":
			attrKey = "amelia.node"
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
