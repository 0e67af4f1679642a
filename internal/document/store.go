package document

import (
	"context"

	"github.com/google/uuid"
)

// Store is interface-driven to keep the workflow services testable and to
// allow swapping the in-memory and postgres implementations without rewiring
// business code. All mutations are atomic per document.
type Store interface {
	// Create persists a new document. The caller supplies the ID.
	Create(ctx context.Context, doc *Document) error

	// Get returns a copy of the document or sentinel.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Document, error)

	// SetMetadata writes one metadata key. With overwrite false an existing
	// value is left untouched.
	SetMetadata(ctx context.Context, id uuid.UUID, key, value string, overwrite bool) error

	// SetFeature writes one feature key, last-write-wins.
	SetFeature(ctx context.Context, id uuid.UUID, key, value string) error

	// ChangeState transitions the document and stamps StateChangedAt in the
	// same write. When expectedFrom is non-empty the transition only happens
	// if the current state is one of them; otherwise sentinel.ErrStateMismatch
	// is returned. This is the compare-and-swap that closes the
	// check-then-transition race between concurrent signers.
	ChangeState(ctx context.Context, id uuid.UUID, expectedFrom []string, to LifecycleState) error

	// ReplaceBinary swaps the whole binary payload; partial patches are not
	// supported.
	ReplaceBinary(ctx context.Context, id uuid.UUID, content []byte, filename string) error

	// MoveToSeries reassigns the organizational bucket, independent of
	// lifecycle state.
	MoveToSeries(ctx context.Context, id uuid.UUID, series string) error

	// MarkRemoved soft-deletes the document. Documents are never hard-deleted.
	MarkRemoved(ctx context.Context, id uuid.UUID) error

	// Execute runs validate then mutate while holding the document's lock
	// (mutex or FOR UPDATE), so read-check-write sequences are atomic. The
	// mutated document is persisted and returned.
	Execute(ctx context.Context, id uuid.UUID, validate func(*Document) error, mutate func(*Document)) (*Document, error)

	// ListByState returns non-removed documents of the given type currently
	// in the given state, skipping excluded series. Used by the SLA watchdog.
	ListByState(ctx context.Context, docType, state string, excludedSeries []string) ([]*Document, error)
}
