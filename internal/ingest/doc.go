// Package ingest implements the Ingestion & Batching Pipeline.
//
// The Pipeline:
//   - Normalizes every raw stream event exactly once at the ingestion boundary
//   - Coalesces events by login into one pending Batch (first-seen order kept)
//   - Flushes on high-water mark, oldest-item age, or max inter-flush interval
//   - Tunes the aggregator debounce from observed batch size and age
//   - Runs one final synchronous flush on Close so no update is dropped
package ingest
