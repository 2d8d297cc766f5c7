// Package config loads the aggregator's YAML configuration.
//
// ${VAR} references are expanded from the environment before parsing,
// missing optional fields get defaults, and Validate rejects inconsistent
// settings before any component starts.
package config
