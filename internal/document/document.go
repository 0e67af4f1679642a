// Package document defines the Document aggregate and its store contract.
// Documents are only ever mutated through the workflow services; direct
// state/metadata writes anywhere else are a modeling error.
package document

import (
	"time"

	"github.com/google/uuid"
)

// Legacy storage encoded absent values as the literal string "None". Reads
// coerce it to absent for backward compatibility.
const legacyNone = "None"

// LifecycleState is the value object stored on a document. MaxMinutes is the
// SLA budget for the state; zero means no SLA.
type LifecycleState struct {
	Name       string
	MaxMinutes int
}

// Document is the aggregate at the center of the workflow.
//
// Invariants:
//   - State.Name is always a member of the state set declared for the
//     DocType's machine (enforced by the services, checked by the store's
//     compare-and-swap transition)
//   - StateChangedAt is monotonically non-decreasing and updated atomically
//     with State
//   - a rejected document carries a non-empty rejection reason in metadata
//   - a document with feature "firmada.con.OTP" == "1" is never rejected
//     (business rule enforced by the acta service, not by storage)
type Document struct {
	ID             uuid.UUID
	DocType        string
	Title          string
	Filename       string
	State          LifecycleState
	StateChangedAt time.Time
	Metadata       map[string]string
	Features       map[string]string
	Binary         []byte
	BinaryFilename string
	Series         string
	Removed        bool
	CreatedAt      time.Time
}

// MetadataValue returns the metadata value for key. Absent keys and the
// legacy "None" sentinel both read as not-ok.
func (d *Document) MetadataValue(key string) (string, bool) {
	v, ok := d.Metadata[key]
	if !ok || v == legacyNone {
		return "", false
	}
	return v, true
}

// FeatureValue returns the feature value for key, with the same legacy
// coercion as MetadataValue.
func (d *Document) FeatureValue(key string) (string, bool) {
	v, ok := d.Features[key]
	if !ok || v == legacyNone {
		return "", false
	}
	return v, true
}

// Clone returns a deep copy so store callers never alias shared maps.
func (d *Document) Clone() *Document {
	out := *d
	out.Metadata = make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		out.Metadata[k] = v
	}
	out.Features = make(map[string]string, len(d.Features))
	for k, v := range d.Features {
		out.Features[k] = v
	}
	if d.Binary != nil {
		out.Binary = append([]byte(nil), d.Binary...)
	}
	return &out
}

// ElapsedInState returns how long the document has been in its current state.
func (d *Document) ElapsedInState(now time.Time) time.Duration {
	return now.Sub(d.StateChangedAt)
}
