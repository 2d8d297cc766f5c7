// Package reconcile bounds drift between the incrementally maintained
// totals and the entity set they summarize.
//
// A periodic check recomputes the totals over the Store and replaces them
// when any field has drifted beyond epsilon. Verify compares the local
// totals against a fresh snapshot from the authoritative source and can
// optionally adopt that snapshot. Only the most recent DriftReport is kept.
package reconcile
