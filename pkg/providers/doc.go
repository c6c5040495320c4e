// Package providers defines the cloud collaborator used by flights.
//
// A Provider owns one platform (gcp, azure, aws). Implementations report
// ErrAlreadyExists, ErrNotFound, ErrConflict, ErrThrottled, ErrUnavailable and
// ErrInvalid wrapped, and ResultFor turns them into stage results: an existing
// object on create and a missing one on delete count as success, throttling and
// transient errors retry, everything else is fatal.
//
// MemoryProvider keeps objects in process and supports fault injection.
// Instrument adds a per-call timeout, a provider span and call metrics.
package providers
