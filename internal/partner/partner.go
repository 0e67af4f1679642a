// Package partner wraps the university services the workflow depends on:
// authentication, OTP validation, URL shortening, QR rendering, blockchain
// registration and state-change notifications. The Client interface exists so
// workflow services take the dependency by injection; tests and local
// development use the Fake.
package partner

import (
	"context"
)

// Client is the workflow-facing surface of the partner services.
type Client interface {
	// GetAuthToken returns a bearer token for the configured service user.
	// Tokens are valid for about an hour upstream; implementations cache
	// them for 50 minutes so handlers can call this freely.
	GetAuthToken(ctx context.Context) (string, error)

	// ValidateOTP checks a one-time passcode for the given user. A wrong or
	// expired code returns a CodeInvalidOTP domain error, never a transport
	// error.
	ValidateOTP(ctx context.Context, user string, otp int) error

	// GetShortURL shortens a validation URL. Results are cached for 24 hours
	// keyed by a hash of the input URL.
	GetShortURL(ctx context.Context, token, longURL string) (string, error)

	// GetQRImage renders a QR PNG for the given URL. It degrades to a stub
	// image rather than failing the caller.
	GetQRImage(ctx context.Context, url string) ([]byte, error)

	// RegisterInBlockchain submits a document hash for notarization. The
	// partner calls back on callbackURL with the result. Returns the raw
	// acknowledgement body.
	RegisterInBlockchain(ctx context.Context, token, fileHash, fileUUID, callbackURL string) (string, error)

	// NotifyRejection tells the partner an exam record was rejected so the
	// previous revision can be reopened for editing.
	NotifyRejection(ctx context.Context, token, id, previousID, reason string) error

	// NotifyBlockchainSuccess tells the partner an exam record is notarized.
	NotifyBlockchainSuccess(ctx context.Context, token, id string) error

	// NotifyTituloEstado informs the partner of a degree certificate state
	// change using the numeric state code.
	NotifyTituloEstado(ctx context.Context, token, id string, estado int, observaciones string) error
}
