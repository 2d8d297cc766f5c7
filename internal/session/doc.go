// Package session wires the aggregator pipeline together and exposes its
// read-only view.
//
//	feed ─► connection.Manager ─► router ─► ingest.Pipeline ─► store ─► aggregate
//	                                  │                         ▲
//	                                  └─► cache.Writer          │
//	bulk source ─► snapshot replace / ForceRefresh / Verify ────┘
//
// Every mutation of the Store and the totals happens under one lock, so
// batch application, bulk replace and reconciliation never interleave.
package session
