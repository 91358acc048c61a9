// Package metrics defines the Prometheus instrumentation for chunk planning,
// transcription attempts, job outcomes and the HTTP API.
package metrics
