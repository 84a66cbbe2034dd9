// Package otel records scope lifecycle events on the OpenTelemetry span
// carried by the scope's context. Spawn, cancel, join, failure and panic each
// become a span event; failures are also recorded as span errors.
package otel
