// Package api provides the HTTP bulk source for account snapshots.
//
// Endpoint:
//   - GET {base}/accounts?limit=&cursor=[&force=true]
//     → {"accounts": [...], "cursor": "..."}
//
// Pages are followed until the cursor is empty. A full collection is cached
// client-side for CacheTTL; force bypasses the cache and is forwarded to the
// server. Transient failures (timeouts, connection reset/abort, unexpected
// EOF, 5xx, 429) are retried with jittered exponential backoff.
package api
