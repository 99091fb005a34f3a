package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Authority-plane semantic convention attributes.
var (
	AttrPrincipalID = attribute.Key("caracal.principal.id")
	AttrMandateID   = attribute.Key("caracal.mandate.id")
	AttrPolicyID    = attribute.Key("caracal.policy.id")

	AttrDecisionAllowed = attribute.Key("caracal.decision.allowed")
	AttrDenialReason    = attribute.Key("caracal.decision.reason")
	AttrAction          = attribute.Key("caracal.request.action")
	AttrResource        = attribute.Key("caracal.request.resource")
	AttrCorrelationID   = attribute.Key("caracal.correlation_id")

	AttrTopic     = attribute.Key("caracal.bus.topic")
	AttrPartition = attribute.Key("caracal.bus.partition")
	AttrEventKind = attribute.Key("caracal.event.kind")
)

// ValidationAttrs creates attributes for a validation decision.
func ValidationAttrs(principalID, mandateID, action, resource string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrMandateID.String(mandateID),
		AttrAction.String(action),
		AttrResource.String(resource),
	}
}

// MandateAttrs creates attributes for issue, delegate and revoke operations.
func MandateAttrs(principalID, mandateID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrMandateID.String(mandateID),
	}
}

// BusAttrs creates attributes for bus publish and consume operations.
func BusAttrs(topic string, partition int, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTopic.String(topic),
		AttrPartition.Int(partition),
		AttrEventKind.String(kind),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
