// Package observability builds the process logger and the OpenTelemetry
// tracer provider used by the funding services.
//
// Services receive a *zap.Logger and start spans through the global otel
// tracer; this package only decides where that output goes.
package observability
