// Package tracing provides lightweight request tracing for the sandbox API.
//
// Each request gets a trace id (propagated via X-Trace-ID / X-Span-ID
// headers or minted locally) and completed spans are emitted through the
// structured logger. There is no external collector; the gateway in front
// of the service correlates by trace id.
package tracing
