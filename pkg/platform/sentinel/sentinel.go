package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and the partner gateway
// return these (optionally wrapped) so services can translate them into
// domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: document does not exist in the store
// - ErrStateMismatch: compare-and-swap transition found an unexpected state
// - ErrUnknownTransition: target state not reachable from the current one
// - ErrUnavailable: partner service or resource temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrStateMismatch     = errors.New("state mismatch")
	ErrUnknownTransition = errors.New("unknown transition")
	ErrUnavailable       = errors.New("unavailable")
)
