package relay

import "context"

// Tracer opens spans around run execution, tool invocations, and LLM calls.
// The observer package wires an OTEL exporter behind this interface; a nil
// Tracer means no spans are recorded.
type Tracer interface {
	// Start opens a span named name and returns a context carrying it.
	// The caller owns the span and ends it when the work finishes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced unit of work. End flushes it to the exporter and must
// be called once per span.
type Span interface {
	// SetAttr attaches further attributes after Start.
	SetAttr(attrs ...SpanAttr)
	// Event marks a point-in-time annotation on the span.
	Event(name string, attrs ...SpanAttr)
	// Error records err and flags the span as failed.
	Error(err error)
	// End closes the span.
	End()
}

// SpanAttr is a key-value pair carried on spans and events.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr builds a string attribute.
func StringAttr(k, v string) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// IntAttr builds an int attribute.
func IntAttr(k string, v int) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// BoolAttr builds a bool attribute.
func BoolAttr(k string, v bool) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// Float64Attr builds a float64 attribute.
func Float64Attr(k string, v float64) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}
