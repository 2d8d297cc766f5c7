// Package cache keeps a small bounded log of recent stream events so a
// restarted aggregator can bridge the gap between its last snapshot and the
// live feed.
//
// Events are recorded without blocking the stream path: Writer queues them in
// a growable buffer and a background goroutine appends them to a Backend in
// batches. Backends (memory, Redis, SQLite) keep only the newest Capacity
// entries. Restore reads the log back and filters it against a fresh bulk
// snapshot before replay.
package cache
