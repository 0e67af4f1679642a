package actas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"docflow/internal/document"
	"docflow/internal/lifecycle"
	"docflow/internal/notify"
	"docflow/internal/partner"
	"docflow/internal/signer"
	dErrors "docflow/pkg/domain-errors"
)

type ActaServiceSuite struct {
	suite.Suite

	store    *document.InMemoryStore
	partner  *partner.Fake
	signer   *signer.Fake
	notifier *notify.Recorder
	svc      *Service
	docID    uuid.UUID
	now      time.Time
}

func (s *ActaServiceSuite) SetupTest() {
	s.now = time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)
	s.store = document.NewInMemoryStore().WithClock(func() time.Time { return s.now })
	s.partner = partner.NewFake()
	s.partner.ValidOTPs[123456] = true
	s.signer = signer.NewFake()
	s.notifier = &notify.Recorder{}

	totp := notify.NewTOTPGenerator("base-key", 300).
		WithClock(func() time.Time { return s.now })
	logger := slog.New(slog.DiscardHandler)
	s.svc = NewService(s.store, s.partner, s.signer, s.notifier, totp, nil, nil, logger, Config{
		ValidationTemplate: "https://valida.ucasal.edu.ar/actas?u={{uuid}}",
		BaseURL:            "https://docflow.ucasal.edu.ar/ucasal/api",
		SLAMinutes:         map[string]int{lifecycle.ActaPendienteBlockchain: 60},
	}).WithClock(func() time.Time { return s.now })

	s.docID = uuid.New()
	err := s.store.Create(context.Background(), &document.Document{
		ID:       s.docID,
		DocType:  DocType,
		Filename: "acta_2025_marzo",
		State:    document.LifecycleState{Name: lifecycle.ActaPendienteOTP},
		Metadata: map[string]string{
			docenteMetadataKey:       "docente@ucasal.edu.ar",
			nombreDocenteMetadataKey: "María López",
			previousUUIDMetadataKey:  "None",
		},
		Binary: []byte("%PDF-1.4 original"),
	})
	s.Require().NoError(err)
}

func (s *ActaServiceSuite) signRequest() RegisterOTPRequest {
	lat, long := -24.78, -65.41
	return RegisterOTPRequest{
		OTP:       "123456",
		IP:        "181.30.1.1",
		Latitude:  &lat,
		Longitude: &long,
		Accuracy:  "12.5",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0",
	}
}

func (s *ActaServiceSuite) TestSendOTPDeliversToAssignedTeacher() {
	result, err := s.svc.SendOTP(context.Background(), s.docID)
	s.Require().NoError(err)
	s.Equal("docente@ucasal.edu.ar", result.SentTo)
	s.Greater(result.Expiration, s.now.Unix())

	s.Require().Len(s.notifier.Sent, 1)
	s.Equal("ucasal_custom_otp_notification", s.notifier.Sent[0].Template)
	s.Equal("docente@ucasal.edu.ar", s.notifier.Sent[0].To)
	s.NotEmpty(s.notifier.Sent[0].Vars["otp"])
}

func (s *ActaServiceSuite) TestSendOTPWithoutTeacherFails() {
	id := uuid.New()
	s.Require().NoError(s.store.Create(context.Background(), &document.Document{
		ID: id, DocType: DocType,
		State: document.LifecycleState{Name: lifecycle.ActaPendienteOTP},
	}))

	_, err := s.svc.SendOTP(context.Background(), id)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *ActaServiceSuite) TestRegisterOTPSignsAndSubmitsToBlockchain() {
	ctx := context.Background()
	result, err := s.svc.RegisterOTP(ctx, s.docID, s.signRequest())
	s.Require().NoError(err)
	s.True(result.OTPIsValid)
	s.Equal("https://docflow.ucasal.edu.ar/ucasal/api/actas/"+s.docID.String()+"/bfaresponse/",
		result.CallbackURL)

	doc, err := s.store.Get(ctx, s.docID)
	s.Require().NoError(err)
	s.Equal(lifecycle.ActaPendienteBlockchain, doc.State.Name)
	s.Equal("pending", doc.Features[blockchainFeature])
	s.Equal("1", doc.Features[signedWithOTPFeature])
	s.Equal("ok", doc.Features[partnerAckFeature])
	s.Equal([]byte("%PDF-1.4 signed"), doc.Binary)
	s.Equal("acta_2025_marzo.pdf", doc.BinaryFilename)
	s.Equal("Chrome 120.0", doc.Metadata["metadata.firma_navegador"])

	// The submitted hash is the hash of the signed binary, not the original.
	sum := sha256.Sum256([]byte("%PDF-1.4 signed"))
	s.Require().Len(s.partner.RegisterCalls, 1)
	s.Equal(s.docID.String()+":"+hex.EncodeToString(sum[:]), s.partner.RegisterCalls[0])

	// The caption masks half the local part of the mail.
	s.Contains(s.signer.LastQR.Caption, "María López")
	s.Contains(s.signer.LastQR.Caption, "doc***@ucasal.edu.ar")
	s.NotContains(s.signer.LastQR.Caption, "docente@ucasal.edu.ar")
}

func (s *ActaServiceSuite) TestRegisterOTPInvalidCodeLeavesStateUntouched() {
	ctx := context.Background()
	req := s.signRequest()
	req.OTP = "999999"

	_, err := s.svc.RegisterOTP(ctx, s.docID, req)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeInvalidOTP))
	s.Zero(s.signer.Calls)

	doc, err := s.store.Get(ctx, s.docID)
	s.Require().NoError(err)
	s.Equal(lifecycle.ActaPendienteOTP, doc.State.Name)
	s.Empty(doc.Features[signedWithOTPFeature])
}

func (s *ActaServiceSuite) TestRegisterOTPNonNumericCodeRejected() {
	req := s.signRequest()
	req.OTP = "abc123"
	_, err := s.svc.RegisterOTP(context.Background(), s.docID, req)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *ActaServiceSuite) TestRegisterOTPRequiresGeolocation() {
	req := s.signRequest()
	req.Latitude = nil
	_, err := s.svc.RegisterOTP(context.Background(), s.docID, req)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *ActaServiceSuite) TestRegisterOTPSkipsSigningWhenAlreadySigned() {
	ctx := context.Background()
	s.Require().NoError(s.store.SetFeature(ctx, s.docID, signedWithOTPFeature, "1"))
	s.Require().NoError(s.store.ChangeState(ctx, s.docID, nil,
		document.LifecycleState{Name: lifecycle.ActaFalloBlockchain}))

	result, err := s.svc.RegisterOTP(ctx, s.docID, s.signRequest())
	s.Require().NoError(err)
	s.True(result.OTPIsValid)

	// The earlier signature is reused, only blockchain registration reruns.
	s.Zero(s.signer.Calls)
	s.Len(s.partner.RegisterCalls, 1)

	doc, err := s.store.Get(ctx, s.docID)
	s.Require().NoError(err)
	s.Equal(lifecycle.ActaPendienteBlockchain, doc.State.Name)
}

func (s *ActaServiceSuite) TestRegisterOTPRefusesPendingBlockchainSubmission() {
	ctx := context.Background()
	s.Require().NoError(s.store.SetFeature(ctx, s.docID, signedWithOTPFeature, "1"))
	s.Require().NoError(s.store.SetFeature(ctx, s.docID, blockchainFeature, "pending"))

	_, err := s.svc.RegisterOTP(ctx, s.docID, s.signRequest())
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeConflict))
	s.Empty(s.partner.RegisterCalls)
}

func (s *ActaServiceSuite) TestRegisterOTPWrongState() {
	ctx := context.Background()
	s.Require().NoError(s.store.ChangeState(ctx, s.docID, nil,
		document.LifecycleState{Name: lifecycle.ActaFirmada}))

	_, err := s.svc.RegisterOTP(ctx, s.docID, s.signRequest())
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeInvalidState))
}

func (s *ActaServiceSuite) TestRejectNotifiesPartnerAndRemoves() {
	ctx := context.Background()
	err := s.svc.Reject(ctx, s.docID, "faltan notas del segundo turno")
	s.Require().NoError(err)

	n, ok := s.partner.LastNotification()
	s.Require().True(ok)
	s.Equal("rejection", n.Operation)
	s.Equal(s.docID.String(), n.DocumentID)
	s.Equal("faltan notas del segundo turno", n.Reason)
	// The legacy "None" marker reads as no previous revision.
	s.Equal("", n.PreviousID)

	doc, err := s.store.Get(ctx, s.docID)
	s.Require().NoError(err)
	s.Equal(lifecycle.ActaRechazada, doc.State.Name)
	s.True(doc.Removed)
	s.Equal("faltan notas del segundo turno", doc.Metadata[motivoRechazoMetadataKey])
}

func (s *ActaServiceSuite) TestRejectCarriesPreviousRevision() {
	ctx := context.Background()
	previous := uuid.New().String()
	s.Require().NoError(s.store.SetMetadata(ctx, s.docID, previousUUIDMetadataKey, previous, true))

	s.Require().NoError(s.svc.Reject(ctx, s.docID, "acta duplicada"))

	n, ok := s.partner.LastNotification()
	s.Require().True(ok)
	s.Equal(previous, n.PreviousID)
}

func (s *ActaServiceSuite) TestRejectRequiresReason() {
	err := s.svc.Reject(context.Background(), s.docID, "   ")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
	s.Empty(s.partner.Notifications)
}

func (s *ActaServiceSuite) TestRejectRefusesSignedActa() {
	ctx := context.Background()
	s.Require().NoError(s.store.SetFeature(ctx, s.docID, signedWithOTPFeature, "1"))

	err := s.svc.Reject(ctx, s.docID, "cambio de docente")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeConflict))

	doc, err := s.store.Get(ctx, s.docID)
	s.Require().NoError(err)
	s.Equal(lifecycle.ActaPendienteOTP, doc.State.Name)
	s.False(doc.Removed)
}

func (s *ActaServiceSuite) TestBFAResponseSuccess() {
	ctx := context.Background()
	s.Require().NoError(s.store.ChangeState(ctx, s.docID, nil,
		document.LifecycleState{Name: lifecycle.ActaPendienteBlockchain}))

	body := `{"status":"success","tx":"0xabc"}`
	s.Require().NoError(s.svc.BFAResponse(ctx, s.docID, "success", body))

	doc, err := s.store.Get(ctx, s.docID)
	s.Require().NoError(err)
	s.Equal(lifecycle.ActaFirmada, doc.State.Name)
	s.Equal("success", doc.Features[blockchainFeature])
	s.Equal(body, doc.Features[bfaResultFeature])
	s.Equal("2025-03-01", doc.Metadata[fechaFirmaMetadataKey])

	n, ok := s.partner.LastNotification()
	s.Require().True(ok)
	s.Equal("blockchain_success", n.Operation)
}

func (s *ActaServiceSuite) TestBFAResponseFailure() {
	ctx := context.Background()
	s.Require().NoError(s.store.ChangeState(ctx, s.docID, nil,
		document.LifecycleState{Name: lifecycle.ActaPendienteBlockchain}))

	s.Require().NoError(s.svc.BFAResponse(ctx, s.docID, "failure", `{"status":"failure"}`))

	doc, err := s.store.Get(ctx, s.docID)
	s.Require().NoError(err)
	s.Equal(lifecycle.ActaFalloBlockchain, doc.State.Name)
	s.Equal("failure", doc.Features[blockchainFeature])
	// No partner notification on failure.
	s.Empty(s.partner.Notifications)
}

func (s *ActaServiceSuite) TestBFAResponseInvalidStatusPersistsError() {
	ctx := context.Background()
	s.Require().NoError(s.store.ChangeState(ctx, s.docID, nil,
		document.LifecycleState{Name: lifecycle.ActaPendienteBlockchain}))

	err := s.svc.BFAResponse(ctx, s.docID, "maybe", `{}`)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))

	doc, err := s.store.Get(ctx, s.docID)
	s.Require().NoError(err)
	s.NotEmpty(doc.Features[bfaErrorFeature])
}

func (s *ActaServiceSuite) TestBFAResponseWrongStatePersistsError() {
	err := s.svc.BFAResponse(context.Background(), s.docID, "success", `{}`)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeInvalidState))

	doc, err := s.store.Get(context.Background(), s.docID)
	s.Require().NoError(err)
	s.NotEmpty(doc.Features[bfaErrorFeature])
}

func (s *ActaServiceSuite) TestOperationsRejectWrongDocType() {
	ctx := context.Background()
	id := uuid.New()
	s.Require().NoError(s.store.Create(ctx, &document.Document{
		ID: id, DocType: "títulos",
		State: document.LifecycleState{Name: lifecycle.TituloRecibido},
	}))

	_, err := s.svc.SendOTP(ctx, id)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *ActaServiceSuite) TestUnknownDocumentIsNotFound() {
	_, err := s.svc.SendOTP(context.Background(), uuid.New())
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeNotFound))
}

func TestActaServiceSuite(t *testing.T) {
	suite.Run(t, new(ActaServiceSuite))
}

func TestParseOTP(t *testing.T) {
	_, err := parseOTP("")
	require.Error(t, err)

	otp, err := parseOTP(" 123456 ")
	require.NoError(t, err)
	require.Equal(t, 123456, otp)

	_, err = parseOTP("-1")
	require.Error(t, err)
}
