// Package database reads the authoritative account set from PostgreSQL.
//
// The source table holds one row per account:
//
//	login      text primary key
//	currency   text not null
//	updated_at timestamptz not null
//	data       jsonb not null   -- numeric attributes keyed by wire name
//
// AccountSource satisfies the same FetchAccounts contract as the REST
// client, so either can back snapshot loads and reconciliation.
package database
