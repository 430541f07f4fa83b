// Package postgres provides database connectivity for the experiment engine:
// a connection manager with optional read replicas, schema bootstrap, and the
// Redis client used by the definition cache.
package postgres
