package instrumentation

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY: these name metadata attributes only. Actual credential values
// (access tokens, refresh tokens, authorization codes, state tokens) must
// never be attached to spans; traces outlive requests and are replicated
// across monitoring infrastructure. The same goes for raw user IDs.
const (
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
)

// RecordSpanError marks a span as failed and records the error (nil-safe).
func RecordSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}
