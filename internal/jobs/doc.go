// Package jobs provides the registry of transcription jobs and their lifecycle.
// It admits jobs up to a configurable limit, supports lookup and cancellation
// by ID, and drops finished jobs once their retention period has passed.
package jobs
