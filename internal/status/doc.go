// Package status tracks per-chunk transcription state. Writers go through a
// mutex-protected Tracker that enforces monotonic transitions; observers read
// consistent snapshots or subscribe to an ordered event stream.
package status
