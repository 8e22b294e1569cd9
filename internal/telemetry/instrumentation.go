package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CARDINALITY:
//
// Attributes on spans that feed metrics must stay bounded. Stream ids,
// remote ids, file paths and byte offsets are unique per request and
// belong in logs, not in metric attributes. Safe attribute values are
// the small closed sets used below: operation names, component names,
// kinds ("video", "thumbnail"), outcomes ("ready", "timeout", ...) and
// transport types ("telegram").

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentTransportOperation instruments remote store operations.
func (t *Telemetry) InstrumentTransportOperation(ctx context.Context, transport, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "transport_"+operation, "transport", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("transport.type", transport),
			attribute.String("transport.operation", operation),
		)

		return fn(ctx)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordTransportOperation(transport, operation, status)

	return err
}

// InstrumentEnsure instruments one availability wait and records its
// outcome. The outcome resolver maps the wait's error to a bounded
// label set.
func (t *Telemetry) InstrumentEnsure(ctx context.Context, mode string, fn InstrumentedFunc, outcome func(error) string) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	err := t.InstrumentOperation(ctx, "ensure_bytes_available", "engine", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("window.mode", mode))

		return fn(ctx)
	})

	t.RecordReadinessWait(outcome(err), time.Since(start))

	return err
}
