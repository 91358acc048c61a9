// Package pipeline runs chunked transcription jobs: it plans the source into
// chunks, dispatches them to a bounded worker pool, tracks their state and
// reassembles the texts in chunk order. A job ends with a full transcript, a
// partial failure naming every missing time range, or a cancellation.
package pipeline
