// Package server exposes transcription jobs over HTTP.
//
// Jobs are submitted as WAV uploads to POST /jobs and run in the background
// through the jobs manager. Progress is available by polling GET /jobs/{id}
// or by opening the websocket at GET /jobs/{id}/events, which replays the
// current chunk states and then streams every change until the job ends.
// Health, statistics, sanitized configuration and Prometheus metrics are
// served alongside.
package server
