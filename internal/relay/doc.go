// Package relay is the business boundary for alertrelay. It defines the
// Service (per-alert pipeline lifecycle, resume and re-drive), the Classifier
// wrapper around pluggable severity strategies, the Router (first-match
// routing policy), the Dispatcher (retrying, idempotent action delivery),
// the Store interface and the domain models.
package relay
