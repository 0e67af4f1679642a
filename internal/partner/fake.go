package partner

import (
	"context"
	"fmt"
	"sync"

	dErrors "docflow/pkg/domain-errors"
)

// Notification records one outbound partner state change for assertions.
type Notification struct {
	Operation     string
	DocumentID    string
	PreviousID    string
	Reason        string
	Estado        int
	Observaciones string
}

// Fake is the in-memory Client used by tests and local development. Error
// injection fields let tests drive each failure branch.
type Fake struct {
	mu sync.Mutex

	Token            string
	ValidOTPs        map[int]bool
	ShortURLPrefix   string
	RegisterResponse string

	TokenErr    error
	OTPErr      error
	ShortURLErr error
	RegisterErr error
	NotifyErr   error

	Notifications []Notification
	RegisterCalls []string
}

func NewFake() *Fake {
	return &Fake{
		Token:            "fake-token",
		ValidOTPs:        map[int]bool{},
		ShortURLPrefix:   "https://sho.rt/",
		RegisterResponse: "ok",
	}
}

func (f *Fake) GetAuthToken(_ context.Context) (string, error) {
	if f.TokenErr != nil {
		return "", f.TokenErr
	}
	return f.Token, nil
}

func (f *Fake) ValidateOTP(_ context.Context, _ string, otp int) error {
	if f.OTPErr != nil {
		return f.OTPErr
	}
	if !f.ValidOTPs[otp] {
		return dErrors.New(dErrors.CodeInvalidOTP, "el código OTP es inválido o ha expirado")
	}
	return nil
}

func (f *Fake) GetShortURL(_ context.Context, _ string, longURL string) (string, error) {
	if f.ShortURLErr != nil {
		return "", f.ShortURLErr
	}
	return f.ShortURLPrefix + hashKey(longURL)[:8], nil
}

func (f *Fake) GetQRImage(_ context.Context, _ string) ([]byte, error) {
	return pngStub, nil
}

func (f *Fake) RegisterInBlockchain(_ context.Context, _, fileHash, fileUUID, _ string) (string, error) {
	if f.RegisterErr != nil {
		return "", f.RegisterErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RegisterCalls = append(f.RegisterCalls, fmt.Sprintf("%s:%s", fileUUID, fileHash))
	return f.RegisterResponse, nil
}

func (f *Fake) NotifyRejection(_ context.Context, _, id, previousID, reason string) error {
	if f.NotifyErr != nil {
		return f.NotifyErr
	}
	f.record(Notification{Operation: "rejection", DocumentID: id, PreviousID: previousID, Reason: reason})
	return nil
}

func (f *Fake) NotifyBlockchainSuccess(_ context.Context, _, id string) error {
	if f.NotifyErr != nil {
		return f.NotifyErr
	}
	f.record(Notification{Operation: "blockchain_success", DocumentID: id, Estado: 5})
	return nil
}

func (f *Fake) NotifyTituloEstado(_ context.Context, _, id string, estado int, observaciones string) error {
	if f.NotifyErr != nil {
		return f.NotifyErr
	}
	f.record(Notification{Operation: "titulo_estado", DocumentID: id, Estado: estado, Observaciones: observaciones})
	return nil
}

func (f *Fake) record(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notifications = append(f.Notifications, n)
}

// LastNotification returns the most recent outbound notification, if any.
func (f *Fake) LastNotification() (Notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Notifications) == 0 {
		return Notification{}, false
	}
	return f.Notifications[len(f.Notifications)-1], true
}

var _ Client = (*Fake)(nil)
