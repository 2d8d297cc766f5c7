// Package aggregate implements the Incremental Aggregator.
//
// The Aggregator:
//   - Turns (old, new) account pairs into per-field deltas in O(1) per change
//   - Suppresses duplicate deliveries by a per-login signature of the monitored fields
//   - Accumulates deltas exactly and publishes them on a short adaptive debounce
//   - Publishes sums and count in one snapshot swap so readers never see a torn total
package aggregate
