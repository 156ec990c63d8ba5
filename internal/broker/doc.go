// Package broker defines the task broker's domain types, error taxonomy and
// persistence contracts.
//
// Storage backends (internal/storage/...) implement the contracts, the
// coordinator orchestrates them, and the HTTP layer maps the sentinel errors
// onto status codes.
package broker
