package notify

import (
	"encoding/base32"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	dErrors "docflow/pkg/domain-errors"
)

// TOTPGenerator derives per-document one-time passcodes. The secret is the
// shared base key concatenated with the document id, so each document gets
// its own code stream.
type TOTPGenerator struct {
	baseKey  string
	validity time.Duration
	now      func() time.Time
}

func NewTOTPGenerator(baseKey string, validitySeconds int) *TOTPGenerator {
	return &TOTPGenerator{
		baseKey:  baseKey,
		validity: time.Duration(validitySeconds) * time.Second,
		now:      time.Now,
	}
}

// WithClock overrides the code clock, for tests.
func (g *TOTPGenerator) WithClock(now func() time.Time) *TOTPGenerator {
	g.now = now
	return g
}

// The TOTP library wants a base32 secret; the derived key is raw bytes.
func (g *TOTPGenerator) secret(documentID string) string {
	return base32.StdEncoding.EncodeToString([]byte(g.baseKey + "|" + documentID))
}

// Generate returns the current code for the document and its expiration as
// seconds since epoch.
func (g *TOTPGenerator) Generate(documentID string) (code string, expiration int64, err error) {
	now := g.now()
	code, err = totp.GenerateCodeCustom(g.secret(documentID), now, totp.ValidateOpts{
		Period:    uint(g.validity.Seconds()),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", 0, dErrors.Wrap(err, dErrors.CodeInternal, "generate one-time passcode")
	}
	period := int64(g.validity.Seconds())
	expiration = (now.Unix()/period + 1) * period
	return code, expiration, nil
}

// Verify checks a code for the document within the current period.
func (g *TOTPGenerator) Verify(documentID, code string) (bool, error) {
	ok, err := totp.ValidateCustom(code, g.secret(documentID), g.now(), totp.ValidateOpts{
		Period:    uint(g.validity.Seconds()),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "validate one-time passcode")
	}
	return ok, nil
}
