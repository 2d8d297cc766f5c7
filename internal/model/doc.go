// Package model defines shared data types used across the account aggregator.
//
// Conventions:
//   - Identity: Login (opaque string, unique in the Store)
//   - Timestamps: int64 milliseconds since Unix epoch for source times
//   - Numeric attributes: float64 keyed by wire name in Values
//   - Raw* types are pre-normalization; only normalized types enter the Store
package model
