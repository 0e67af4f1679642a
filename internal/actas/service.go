// Package actas implements the exam record workflow: OTP signing, rejection
// and the blockchain notarization callback.
package actas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"docflow/internal/audit"
	"docflow/internal/document"
	"docflow/internal/lifecycle"
	"docflow/internal/notify"
	"docflow/internal/partner"
	"docflow/internal/platform/metrics"
	"docflow/internal/signer"
	dErrors "docflow/pkg/domain-errors"
	"docflow/pkg/platform/sentinel"
)

const (
	DocType = "acta"

	docenteMetadataKey       = "metadata.acta_docente_asignado"
	nombreDocenteMetadataKey = "metadata.acta_nombre_docente_asignado"
	previousUUIDMetadataKey  = "metadata.acta_id_acta_previa"
	fechaFirmaMetadataKey    = "metadata.acta_fecha_firma"
	motivoRechazoMetadataKey = "metadata.acta_motivo_rechazo"

	signedWithOTPFeature   = "firmada.con.OTP"
	blockchainFeature      = "registro.en.blockchain"
	bfaResultFeature       = "bfa.result"
	bfaErrorFeature        = "svc.bfaresponse.error"
	partnerAckFeature      = "ucasal.svc.ok_response"
	otpNotificationTemplate = "ucasal_custom_otp_notification"
)

// Config carries the workflow settings the service needs.
type Config struct {
	// ValidationTemplate is the public verification URL with a {{uuid}}
	// placeholder.
	ValidationTemplate string
	// BaseURL is this service's public base URL for blockchain callbacks.
	BaseURL string
	// SLAMinutes overrides the per-state time budget.
	SLAMinutes map[string]int
}

// Service orchestrates the acta workflow against the document store and the
// partner services.
type Service struct {
	store    document.Store
	partner  partner.Client
	signer   signer.PDFSigner
	notifier notify.Notifier
	totp     *notify.TOTPGenerator
	machine  *lifecycle.Machine
	audit    *audit.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	loc      *time.Location
	now      func() time.Time
}

func NewService(
	store document.Store,
	partnerClient partner.Client,
	pdfSigner signer.PDFSigner,
	notifier notify.Notifier,
	totp *notify.TOTPGenerator,
	auditPublisher *audit.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Service {
	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	if err != nil {
		loc = time.FixedZone("-03", -3*60*60)
	}
	return &Service{
		store:    store,
		partner:  partnerClient,
		signer:   pdfSigner,
		notifier: notifier,
		totp:     totp,
		machine:  lifecycle.Actas(),
		audit:    auditPublisher,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		loc:      loc,
		now:      time.Now,
	}
}

// WithClock overrides the timestamp source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) state(name string) document.LifecycleState {
	return document.LifecycleState{Name: name, MaxMinutes: s.cfg.SLAMinutes[name]}
}

func (s *Service) ensureEdge(from, to string) error {
	if !s.machine.CanTransition(from, to) {
		return dErrors.Newf(dErrors.CodeInvalidState,
			"la transición de %q a %q no está permitida para actas", from, to)
	}
	return nil
}

// getActa loads the document and checks it really is an exam record.
func (s *Service) getActa(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeNotFound) || err == sentinel.ErrNotFound {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "el acta %s no existe", id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load document")
	}
	if doc.DocType != DocType {
		return nil, dErrors.Newf(dErrors.CodeBadRequest,
			"el documento con uuid %s es de tipo %q en lugar de %q", id, doc.DocType, DocType)
	}
	return doc, nil
}

// SendOTPResult is the sendotp response payload.
type SendOTPResult struct {
	SentTo     string `json:"sent_to"`
	Expiration int64  `json:"expiration"`
}

// SendOTP mails a one-time passcode to the assigned teacher. Allowed in any
// state: the code is only usable where signing is.
func (s *Service) SendOTP(ctx context.Context, id uuid.UUID) (*SendOTPResult, error) {
	doc, err := s.getActa(ctx, id)
	if err != nil {
		return nil, err
	}

	recipient, ok := doc.MetadataValue(docenteMetadataKey)
	if !ok || strings.TrimSpace(recipient) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest,
			"el acta no tiene docente asignado para enviar el OTP")
	}

	code, expiration, err := s.totp.Generate(doc.ID.String())
	if err != nil {
		return nil, err
	}

	err = s.notifier.SendTemplate(ctx, recipient, otpNotificationTemplate, map[string]string{
		"otp":              code,
		"validity_seconds": strconv.FormatInt(expiration-s.now().Unix(), 10),
		"acta_uuid":        doc.ID.String(),
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "send OTP notification")
	}

	return &SendOTPResult{SentTo: recipient, Expiration: expiration}, nil
}

// RegisterOTPRequest is the registerotp request payload.
type RegisterOTPRequest struct {
	OTP       string   `json:"otp"`
	IP        string   `json:"ip"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  string   `json:"accuracy"`
	UserAgent string   `json:"user_agent"`
}

// RegisterOTPResult is the registerotp response payload.
type RegisterOTPResult struct {
	OTPIsValid  bool   `json:"otp_is_valid"`
	CallbackURL string `json:"callback_url"`
}

// RegisterOTP validates the teacher's passcode, stamps the signature onto
// the PDF and submits the document hash for blockchain notarization.
//
// The operation is re-entrant: an acta already signed with OTP skips the
// signing step (a previous attempt may have failed between signing and
// registration), and an acta already submitted to blockchain is refused.
func (s *Service) RegisterOTP(ctx context.Context, id uuid.UUID, req RegisterOTPRequest) (*RegisterOTPResult, error) {
	doc, err := s.getActa(ctx, id)
	if err != nil {
		return nil, err
	}

	entryStates := []string{lifecycle.ActaPendienteOTP, lifecycle.ActaFalloBlockchain}
	if !contains(entryStates, doc.State.Name) {
		return nil, dErrors.Newf(dErrors.CodeInvalidState,
			"sólo se puede firmar el acta en los estados %s, pero el estado actual es %q",
			strings.Join(entryStates, " o "), doc.State.Name)
	}

	otp, err := parseOTP(req.OTP)
	if err != nil {
		return nil, err
	}

	mailDocente, ok := doc.MetadataValue(docenteMetadataKey)
	if !ok || strings.TrimSpace(mailDocente) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest,
			"el mail del docente debe ser un string no vacío")
	}

	if err := s.partner.ValidateOTP(ctx, mailDocente, otp); err != nil {
		return nil, err
	}

	token, err := s.partner.GetAuthToken(ctx)
	if err != nil {
		return nil, err
	}

	if v, _ := doc.FeatureValue(signedWithOTPFeature); v != "1" {
		if err := s.signActa(ctx, doc, token, mailDocente, req); err != nil {
			return nil, err
		}
	} else {
		s.logger.InfoContext(ctx, "acta already OTP-signed, skipping to blockchain registration",
			"document_id", doc.ID)
	}

	// Re-read: signing replaced the binary and set features.
	doc, err = s.getActa(ctx, id)
	if err != nil {
		return nil, err
	}

	switch v, _ := doc.FeatureValue(blockchainFeature); v {
	case "pending":
		return nil, dErrors.New(dErrors.CodeConflict,
			"el acta ya había sido enviada a blockchain y su resultado aún está pendiente")
	case "success":
		return nil, dErrors.New(dErrors.CodeConflict, "el acta está registrada en blockchain")
	}

	sum := sha256.Sum256(doc.Binary)
	pdfHash := hex.EncodeToString(sum[:])
	callbackURL := joinURL(s.cfg.BaseURL, "actas", doc.ID.String(), "bfaresponse") + "/"

	ack, err := s.partner.RegisterInBlockchain(ctx, token, pdfHash, doc.ID.String(), callbackURL)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetFeature(ctx, doc.ID, partnerAckFeature, ack); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist partner acknowledgement")
	}

	from := doc.State.Name
	if err := s.ensureEdge(from, lifecycle.ActaPendienteBlockchain); err != nil {
		return nil, err
	}
	if err := s.store.ChangeState(ctx, doc.ID, entryStates, s.state(lifecycle.ActaPendienteBlockchain)); err != nil {
		if err == sentinel.ErrStateMismatch {
			return nil, dErrors.New(dErrors.CodeConflict,
				"el acta cambió de estado durante la operación")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "transition to pending blockchain")
	}
	if err := s.store.SetFeature(ctx, doc.ID, blockchainFeature, "pending"); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist blockchain submission flag")
	}

	s.audit.Emit(ctx, audit.Event{
		DocumentID: doc.ID.String(), DocType: DocType,
		From: from, To: lifecycle.ActaPendienteBlockchain, Actor: mailDocente,
	})
	if s.metrics != nil {
		s.metrics.ActasSignedOTP.Inc()
	}

	return &RegisterOTPResult{OTPIsValid: true, CallbackURL: callbackURL}, nil
}

// signActa runs the one-time signing leg: validation URL, short URL, QR,
// signature stamp, binary replacement and signing metadata.
func (s *Service) signActa(ctx context.Context, doc *document.Document, token, mailDocente string, req RegisterOTPRequest) error {
	if strings.TrimSpace(req.IP) == "" {
		return dErrors.New(dErrors.CodeBadRequest, "'ip' debe ser un string no vacío")
	}
	if req.Latitude == nil {
		return dErrors.New(dErrors.CodeBadRequest, "'latitude' debe ser un entero o un float")
	}
	if req.Longitude == nil {
		return dErrors.New(dErrors.CodeBadRequest, "'longitude' debe ser un entero o un float")
	}
	if strings.TrimSpace(req.Accuracy) == "" {
		return dErrors.New(dErrors.CodeBadRequest, "'accuracy' debe ser un string no vacío")
	}
	if strings.TrimSpace(req.UserAgent) == "" {
		return dErrors.New(dErrors.CodeBadRequest, "'user_agent' debe ser un string no vacío")
	}

	validationURL := strings.ReplaceAll(s.cfg.ValidationTemplate, "{{uuid}}", doc.ID.String())
	shortURL, err := s.partner.GetShortURL(ctx, token, validationURL)
	if err != nil {
		return err
	}
	qrImage, err := s.partner.GetQRImage(ctx, shortURL)
	if err != nil {
		return err
	}

	nombreDocente, _ := doc.MetadataValue(nombreDocenteMetadataKey)
	mailOfuscado := signer.ObfuscateMail(mailDocente)
	fechaFirma := s.now().In(s.loc).Format("02/01/2006 15:04:05")
	caption := fmt.Sprintf("Firmado con OTP por:\r\n%s\r\n%s\r\n%s",
		nombreDocente, mailOfuscado, fechaFirma)

	signed, err := s.signer.Sign(doc.Binary, signer.QRInfo{
		Image:   qrImage,
		Caption: caption,
		X:       10, Y: 10, Width: 40, Height: 40,
	}, &signer.OTPInfo{
		Mail:      mailOfuscado,
		IP:        req.IP,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Accuracy:  req.Accuracy,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return err
	}

	if err := s.store.ReplaceBinary(ctx, doc.ID, signed, doc.Filename+".pdf"); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "replace signed binary")
	}

	// Signing metadata: the raw user agent plus the parsed browser and
	// platform for reporting.
	ua := useragent.New(req.UserAgent)
	browser, version := ua.Browser()
	for key, value := range map[string]string{
		"metadata.firma_user_agent": req.UserAgent,
		"metadata.firma_navegador":  strings.TrimSpace(browser + " " + version),
		"metadata.firma_plataforma": ua.Platform(),
		"metadata.firma_ip":         req.IP,
		fechaFirmaMetadataKey:       s.now().In(s.loc).Format("2006-01-02"),
	} {
		if value == "" {
			continue
		}
		if err := s.store.SetMetadata(ctx, doc.ID, key, value, true); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "persist signing metadata")
		}
	}

	if err := s.store.SetFeature(ctx, doc.ID, signedWithOTPFeature, "1"); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist signature flag")
	}
	s.logger.InfoContext(ctx, "acta signed with OTP", "document_id", doc.ID)
	return nil
}

// Reject refuses an acta on the teacher's behalf. The partner is notified
// before the local transition; if the local write then fails the partner
// already knows, which matches the original system's durability ordering.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, motivo string) error {
	doc, err := s.getActa(ctx, id)
	if err != nil {
		return err
	}

	if strings.TrimSpace(motivo) == "" {
		return dErrors.New(dErrors.CodeBadRequest, "'motivo' debe ser un string no vacío")
	}

	if doc.State.Name != lifecycle.ActaPendienteOTP {
		return dErrors.Newf(dErrors.CodeInvalidState,
			"sólo se puede rechazar el acta en estado %q, pero el estado actual es %q",
			lifecycle.ActaPendienteOTP, doc.State.Name)
	}
	if v, _ := doc.FeatureValue(signedWithOTPFeature); v == "1" {
		return dErrors.New(dErrors.CodeConflict, "el acta ya fue firmada y no puede ser rechazada")
	}
	if err := s.ensureEdge(doc.State.Name, lifecycle.ActaRechazada); err != nil {
		return err
	}

	token, err := s.partner.GetAuthToken(ctx)
	if err != nil {
		return err
	}
	previousUUID, _ := doc.MetadataValue(previousUUIDMetadataKey)
	if err := s.partner.NotifyRejection(ctx, token, doc.ID.String(), previousUUID, motivo); err != nil {
		return err
	}

	_, err = s.store.Execute(ctx, id,
		func(d *document.Document) error {
			if d.State.Name != lifecycle.ActaPendienteOTP {
				return dErrors.Newf(dErrors.CodeInvalidState,
					"el acta cambió de estado durante la operación: %q", d.State.Name)
			}
			return nil
		},
		func(d *document.Document) {
			d.State = s.state(lifecycle.ActaRechazada)
			d.Removed = true
			d.Metadata[motivoRechazoMetadataKey] = motivo
		},
	)
	if err != nil {
		return err
	}

	s.audit.Emit(ctx, audit.Event{
		DocumentID: doc.ID.String(), DocType: DocType,
		From: lifecycle.ActaPendienteOTP, To: lifecycle.ActaRechazada,
	})
	if s.metrics != nil {
		s.metrics.ActasRejected.Inc()
	}
	return nil
}

// BFAResponse handles the blockchain callback. The raw callback body is
// persisted as a feature before any branching so a stuck document can be
// diagnosed from its features alone.
func (s *Service) BFAResponse(ctx context.Context, id uuid.UUID, status string, rawBody string) error {
	doc, err := s.getActa(ctx, id)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeNotFound) {
			return err
		}
		s.saveBFAError(ctx, id, err)
		return err
	}

	if status != "success" && status != "failure" {
		err := dErrors.Newf(dErrors.CodeBadRequest,
			"'status' debe ser 'success' o 'failure' en lugar de %q", status)
		s.saveBFAError(ctx, id, err)
		return err
	}

	entryStates := []string{lifecycle.ActaPendienteBlockchain, lifecycle.ActaFalloBlockchain}
	if !contains(entryStates, doc.State.Name) {
		err := dErrors.Newf(dErrors.CodeInvalidState,
			"sólo se puede registrar el resultado de blockchain en los estados %s, pero el estado actual es %q",
			strings.Join(entryStates, " o "), doc.State.Name)
		s.saveBFAError(ctx, id, err)
		return err
	}

	fecha := s.now().In(s.loc).Format("2006-01-02")
	if err := s.store.SetMetadata(ctx, doc.ID, fechaFirmaMetadataKey, fecha, true); err != nil {
		s.saveBFAError(ctx, id, err)
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist signing date")
	}
	if err := s.store.SetFeature(ctx, doc.ID, bfaResultFeature, rawBody); err != nil {
		s.saveBFAError(ctx, id, err)
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist callback body")
	}

	from := doc.State.Name
	if status == "success" {
		if err := s.ensureEdge(from, lifecycle.ActaFirmada); err != nil {
			s.saveBFAError(ctx, id, err)
			return err
		}
		token, err := s.partner.GetAuthToken(ctx)
		if err != nil {
			s.saveBFAError(ctx, id, err)
			return err
		}
		if err := s.partner.NotifyBlockchainSuccess(ctx, token, doc.ID.String()); err != nil {
			s.saveBFAError(ctx, id, err)
			return err
		}
		if err := s.store.ChangeState(ctx, doc.ID, entryStates, s.state(lifecycle.ActaFirmada)); err != nil {
			s.saveBFAError(ctx, id, err)
			return dErrors.Wrap(err, dErrors.CodeInternal, "transition to signed")
		}
		s.audit.Emit(ctx, audit.Event{
			DocumentID: doc.ID.String(), DocType: DocType,
			From: from, To: lifecycle.ActaFirmada,
		})
		if s.metrics != nil {
			s.metrics.ActasBlockchainOK.Inc()
		}
	} else {
		if err := s.store.ChangeState(ctx, doc.ID, entryStates, s.state(lifecycle.ActaFalloBlockchain)); err != nil {
			s.saveBFAError(ctx, id, err)
			return dErrors.Wrap(err, dErrors.CodeInternal, "transition to blockchain failure")
		}
		s.audit.Emit(ctx, audit.Event{
			DocumentID: doc.ID.String(), DocType: DocType,
			From: from, To: lifecycle.ActaFalloBlockchain,
		})
		if s.metrics != nil {
			s.metrics.ActasBlockchainFail.Inc()
		}
	}

	if err := s.store.SetFeature(ctx, doc.ID, blockchainFeature, status); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist blockchain result flag")
	}
	return nil
}

// QRImage renders a QR PNG for an arbitrary URL.
func (s *Service) QRImage(ctx context.Context, url string) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "'url' es requerido")
	}
	return s.partner.GetQRImage(ctx, url)
}

func (s *Service) saveBFAError(ctx context.Context, id uuid.UUID, cause error) {
	if err := s.store.SetFeature(ctx, id, bfaErrorFeature, cause.Error()); err != nil {
		s.logger.WarnContext(ctx, "could not persist bfaresponse error feature",
			"document_id", id, "error", err)
	}
}

func parseOTP(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, dErrors.New(dErrors.CodeBadRequest,
			"'otp' debe ser un número entero positivo")
	}
	otp, err := strconv.Atoi(raw)
	if err != nil || otp < 0 {
		return 0, dErrors.Newf(dErrors.CodeBadRequest,
			"'otp' debe ser un número entero positivo en lugar de %q", raw)
	}
	return otp, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}
