// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one WebSocket connection to the account feed
//   - Authenticates with a bearer token (query param and header)
//   - Reconnects with capped exponential backoff and a bounded attempt budget
//   - Checks liveness on a fixed interval without writing probe frames
//   - Delivers parsed frames to per-type and wildcard handlers in order
package connection
