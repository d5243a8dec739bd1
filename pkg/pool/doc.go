// Package pool supervises a fleet of long-running worker subprocesses.
//
// A Pool fans commands out over each worker's framed input channel, tracks
// per-worker busy/idle state under one mutex and condition variable,
// blocks dispatchers when every worker is busy at capacity, and drains
// worker diagnostics through a background relay so log traffic never
// blocks the request path. Commands are fire-and-forget: Communicate
// returns a monotonically increasing id and replies are observed later by
// PollProcs, not returned to the caller.
package pool
