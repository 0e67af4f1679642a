// Package titulos implements the degree certificate workflow: ingestion from
// Decanato, the approval chain and the digital signature by Secretaría
// General.
package titulos

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

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
	DocType       = "títulos"
	DefaultSeries = "títulos"

	// The signer identity is institutional, not personal.
	signerMail = "secretaria.general@ucasal.edu.ar"
	signerName = "Secretaría General"

	digitalSignatureFeature = "firmada.digital"
)

// Per-state mail templates. States without an entry fall back to the generic
// one.
var estadoTemplates = map[string]string{
	lifecycle.TituloPendienteAprobacionUA: "ucasal_titulo_pendiente_aprobacion",
	lifecycle.TituloPendienteAprobacionR:  "ucasal_titulo_pendiente_aprobacion",
	lifecycle.TituloPendienteFirmaSG:      "ucasal_titulo_listo_firma",
	lifecycle.TituloFirmadoSG:             "ucasal_titulo_firmado",
	lifecycle.TituloEmitido:               "ucasal_titulo_emitido",
	lifecycle.TituloRechazado:             "ucasal_titulo_rechazado",
}

const genericEstadoTemplate = "ucasal_titulo_estado_cambiado"

// Config carries the workflow settings for títulos.
type Config struct {
	// ValidationTemplate is the public verification URL with a {{uuid}}
	// placeholder.
	ValidationTemplate string
	// NotificationsTo receives state change mails when the document carries
	// no contact address.
	NotificationsTo string
	// SLAMinutes overrides the per-state time budget.
	SLAMinutes map[string]int
}

// Service orchestrates the título workflow.
type Service struct {
	store    document.Store
	partner  partner.Client
	signer   signer.PDFSigner
	notifier notify.Notifier
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
	auditPublisher *audit.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Service {
	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	if err != nil {
		loc = time.FixedZone("-03", -3*60*60)
	}
	if cfg.NotificationsTo == "" {
		cfg.NotificationsTo = "titulos@ucasal.edu.ar"
	}
	return &Service{
		store:    store,
		partner:  partnerClient,
		signer:   pdfSigner,
		notifier: notifier,
		machine:  lifecycle.Titulos(),
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

func (s *Service) getTitulo(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		if err == sentinel.ErrNotFound || dErrors.Is(err, dErrors.CodeNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "el título %s no existe", id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load document")
	}
	if doc.DocType != DocType {
		return nil, dErrors.Newf(dErrors.CodeBadRequest,
			"el documento con uuid %s es de tipo %q en lugar de %q", id, doc.DocType, DocType)
	}
	return doc, nil
}

// RecibirRequest is the ingestion payload. Filename has the canonical form
// DNI/Lugar/SECTOR/CARRERA/MODO/PLAN; when absent or malformed it is rebuilt
// from the individual form fields.
type RecibirRequest struct {
	Filename    string
	Serie       string
	Doctype     string
	Content     []byte
	ContentType string
	// Fields holds the remaining form fields (dni, lugar, facultad, carrera,
	// modalidad, plan, titulo, tipo_dni...), case as sent.
	Fields map[string]string
}

// RecibirResult is the ingestion response payload.
type RecibirResult struct {
	UUID     string `json:"uuid"`
	Filename string `json:"filename"`
	Estado   string `json:"estado"`
	Serie    string `json:"serie"`
}

// Recibir creates a título document from the Decanato upload.
func (s *Service) Recibir(ctx context.Context, req RecibirRequest) (*RecibirResult, error) {
	if len(req.Content) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest,
			`el campo "file" es requerido (PDF del título)`)
	}
	if !strings.HasPrefix(req.ContentType, "application/pdf") {
		return nil, dErrors.Newf(dErrors.CodeBadRequest,
			"el archivo debe ser PDF. Recibido: %s", req.ContentType)
	}

	filename := req.Filename
	if !validFilename(filename) {
		candidate := buildFilename(req.Fields)
		if !validFilename(candidate) {
			return nil, dErrors.New(dErrors.CodeBadRequest,
				"filename debe tener formato: DNI/Lugar/SECTOR/CARRERA/MODO/PLAN "+
					"o proveer campos (dni, lugar, facultad/sector, carrera, modalidad, plan) para construirlo")
		}
		filename = candidate
	}

	parts := strings.Split(filename, "/")
	dni, lugar, sector, carrera, modo, plan := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]

	field := func(keys []string, fallback string) string {
		for _, k := range keys {
			if v := req.Fields[k]; v != "" {
				return v
			}
		}
		return fallback
	}

	serie := req.Serie
	if serie == "" {
		serie = DefaultSeries
	}

	doc := &document.Document{
		ID:       uuid.New(),
		DocType:  DocType,
		Title:    field([]string{"titulo", "Título"}, ""),
		Filename: filename,
		State:    s.state(lifecycle.TituloRecibido),
		Series:   serie,
		Binary:   req.Content,
		Metadata: map[string]string{
			"metadata.titulo_tipo_dni":      field([]string{"tipo_dni", "Tipo DNI"}, "DNI"),
			"metadata.titulo_dni":           field([]string{"dni", "DNI"}, dni),
			"metadata.titulo_lugar":         field([]string{"lugar", "Lugar"}, lugar),
			"metadata.titulo_lugar_id":      lugar,
			"metadata.titulo_facultad":      field([]string{"facultad", "Facultad"}, sector),
			"metadata.titulo_facultad_id":   sector,
			"metadata.titulo_carrera":       field([]string{"carrera", "Carrera"}, carrera),
			"metadata.titulo_carrera_id":    carrera,
			"metadata.titulo_modalidad":     field([]string{"modalidad", "Modalidad"}, modo),
			"metadata.titulo_modalidad_id":  modo,
			"metadata.titulo_plan":          field([]string{"plan", "Plan"}, plan),
			"metadata.titulo_titulo":        field([]string{"titulo", "Título"}, ""),
			"metadata.titulo_fecha_ingreso": s.now().In(s.loc).Format("2006-01-02"),
		},
	}

	if err := s.store.Create(ctx, doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create título")
	}

	s.logger.InfoContext(ctx, "título received",
		"document_id", doc.ID, "filename", filename, "serie", serie)
	if s.metrics != nil {
		s.metrics.TitulosReceived.Inc()
	}

	return &RecibirResult{
		UUID:     doc.ID.String(),
		Filename: filename,
		Estado:   lifecycle.TituloRecibido,
		Serie:    serie,
	}, nil
}

// EstadoResult is the informar-estado response payload.
type EstadoResult struct {
	Success      bool   `json:"success"`
	UUID         string `json:"uuid"`
	Estado       string `json:"estado"`
	EstadoCodigo int    `json:"estado_codigo"`
}

// InformarEstado reports a state change to the partner and then applies it
// locally. The partner notification is the authoritative leg: a local
// transition failure after a successful notification is logged and the call
// still succeeds, matching the legacy system's durability ordering.
func (s *Service) InformarEstado(ctx context.Context, id uuid.UUID, estado, observaciones string) (*EstadoResult, error) {
	if strings.TrimSpace(estado) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, `el campo "estado" es requerido`)
	}

	doc, err := s.getTitulo(ctx, id)
	if err != nil {
		return nil, err
	}

	if !s.machine.CanTransition(doc.State.Name, estado) {
		return nil, dErrors.Newf(dErrors.CodeInvalidState,
			"transición no permitida: %q a %q", doc.State.Name, estado)
	}

	estadoCodigo := lifecycle.TituloEstadoCodigo[estado]

	token, err := s.partner.GetAuthToken(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.partner.NotifyTituloEstado(ctx, token, doc.ID.String(), estadoCodigo, observaciones); err != nil {
		return nil, err
	}

	from := doc.State.Name
	if err := s.store.ChangeState(ctx, doc.ID, []string{from}, s.state(estado)); err != nil {
		s.logger.WarnContext(ctx, "could not apply local state change after partner notification",
			"document_id", doc.ID, "estado", estado, "error", err)
	} else {
		s.audit.Emit(ctx, audit.Event{
			DocumentID: doc.ID.String(), DocType: DocType, From: from, To: estado,
		})
		s.notifyEstadoChange(ctx, doc, from, estado, observaciones)
	}

	return &EstadoResult{
		Success:      true,
		UUID:         doc.ID.String(),
		Estado:       estado,
		EstadoCodigo: estadoCodigo,
	}, nil
}

// notifyEstadoChange sends the internal state change mail. Best effort.
func (s *Service) notifyEstadoChange(ctx context.Context, doc *document.Document, from, to, observaciones string) {
	template, ok := estadoTemplates[to]
	if !ok {
		template = genericEstadoTemplate
	}
	recipient, ok := doc.MetadataValue("metadata.titulo_mail_contacto")
	if !ok {
		recipient = s.cfg.NotificationsTo
	}
	err := s.notifier.SendTemplate(ctx, recipient, template, map[string]string{
		"estado_anterior": from,
		"estado_nuevo":    to,
		"observaciones":   observaciones,
		"titulo_uuid":     doc.ID.String(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "state change notification failed",
			"document_id", doc.ID, "template", template, "error", err)
	}
}

// ValidarOTPResult is the validar-otp response payload.
type ValidarOTPResult struct {
	OTPValido bool   `json:"otp_valido"`
	Usuario   string `json:"usuario"`
	UUID      string `json:"uuid"`
}

// ValidarOTP checks a passcode against the partner without signing anything.
func (s *Service) ValidarOTP(ctx context.Context, id uuid.UUID, usuario, otpRaw string) (*ValidarOTPResult, error) {
	otp, err := parseOTP(otpRaw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(usuario) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "'usuario' es requerido")
	}

	doc, err := s.getTitulo(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.partner.ValidateOTP(ctx, usuario, otp); err != nil {
		return nil, err
	}

	return &ValidarOTPResult{OTPValido: true, Usuario: usuario, UUID: doc.ID.String()}, nil
}

// FirmarRequest is the firmar request payload. OTP is optional; geolocation
// fields only feed the signature identity block when all are present.
type FirmarRequest struct {
	OTP       string   `json:"otp"`
	Usuario   string   `json:"usuario"`
	IP        string   `json:"ip"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  string   `json:"accuracy"`
	UserAgent string   `json:"user_agent"`
}

// FirmarResult is the firmar response payload.
type FirmarResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	UUID          string `json:"uuid"`
	Estado        string `json:"estado"`
	FechaFirma    string `json:"fecha_firma"`
	URLValidacion string `json:"url_validacion"`
}

// Firmar digitally signs the título on behalf of Secretaría General: QR with
// a public validation URL, signature caption, state change and partner
// notification.
func (s *Service) Firmar(ctx context.Context, id uuid.UUID, req FirmarRequest) (*FirmarResult, error) {
	doc, err := s.getTitulo(ctx, id)
	if err != nil {
		return nil, err
	}

	if doc.State.Name != lifecycle.TituloPendienteFirmaSG {
		return nil, dErrors.Newf(dErrors.CodeInvalidState,
			"sólo se puede firmar el título si se encuentra en estado %q, pero el estado actual es %q",
			lifecycle.TituloPendienteFirmaSG, doc.State.Name)
	}
	if len(doc.Binary) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest,
			"el PDF del título no existe o no está disponible")
	}

	if req.OTP != "" {
		otp, err := parseOTP(req.OTP)
		if err != nil {
			return nil, err
		}
		usuario := req.Usuario
		if usuario == "" {
			usuario = signerMail
		}
		if err := s.partner.ValidateOTP(ctx, usuario, otp); err != nil {
			return nil, err
		}
	}

	token, err := s.partner.GetAuthToken(ctx)
	if err != nil {
		return nil, err
	}

	validationURL := strings.ReplaceAll(s.cfg.ValidationTemplate, "{{uuid}}", doc.ID.String())
	shortURL, err := s.partner.GetShortURL(ctx, token, validationURL)
	if err != nil {
		return nil, err
	}
	qrImage, err := s.partner.GetQRImage(ctx, shortURL)
	if err != nil {
		return nil, err
	}

	dni, ok := doc.MetadataValue("metadata.titulo_dni")
	if !ok {
		dni = "N/A"
	}
	tituloNombre, ok := doc.MetadataValue("metadata.titulo_titulo")
	if !ok {
		tituloNombre = "Título Universitario"
	}
	fechaFirma := s.now().In(s.loc).Format("02/01/2006 15:04:05")
	caption := fmt.Sprintf("Firmado digitalmente por:\n%s - UCASAL\nFecha: %s\nTítulo: %s\nDNI: %s",
		signerName, fechaFirma, tituloNombre, dni)

	var otpInfo *signer.OTPInfo
	if req.IP != "" && req.Latitude != nil && req.Longitude != nil {
		otpInfo = &signer.OTPInfo{
			Mail:      signerMail,
			IP:        req.IP,
			Latitude:  *req.Latitude,
			Longitude: *req.Longitude,
			Accuracy:  req.Accuracy,
			UserAgent: req.UserAgent,
		}
	}

	signed, err := s.signer.Sign(doc.Binary, signer.QRInfo{
		Image:   qrImage,
		Caption: caption,
		X:       10, Y: 10, Width: 40, Height: 40,
	}, otpInfo)
	if err != nil {
		return nil, err
	}

	if err := s.store.ReplaceBinary(ctx, doc.ID, signed, doc.Filename+".pdf"); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "replace signed binary")
	}
	if err := s.store.SetFeature(ctx, doc.ID, digitalSignatureFeature, "1"); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist signature flag")
	}
	for key, value := range map[string]string{
		"metadata.firma.fecha":          fechaFirma,
		"metadata.firma.firmante":       signerName,
		"metadata.firma.url_validacion": shortURL,
		"metadata.firma.ip":             req.IP,
		"metadata.titulo_fecha_firma":   s.now().In(s.loc).Format("2006-01-02"),
	} {
		if value == "" {
			continue
		}
		if err := s.store.SetMetadata(ctx, doc.ID, key, value, true); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist signing metadata")
		}
	}

	err = s.store.ChangeState(ctx, doc.ID,
		[]string{lifecycle.TituloPendienteFirmaSG}, s.state(lifecycle.TituloFirmadoSG))
	if err != nil {
		if err == sentinel.ErrStateMismatch {
			return nil, dErrors.New(dErrors.CodeConflict,
				"el título cambió de estado durante la operación")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "transition to signed")
	}

	s.audit.Emit(ctx, audit.Event{
		DocumentID: doc.ID.String(), DocType: DocType,
		From: lifecycle.TituloPendienteFirmaSG, To: lifecycle.TituloFirmadoSG,
		Actor: signerMail,
	})
	if s.metrics != nil {
		s.metrics.TitulosSigned.Inc()
	}

	// Post-signature notifications are best effort.
	estadoCodigo := lifecycle.TituloEstadoCodigo[lifecycle.TituloFirmadoSG]
	obs := fmt.Sprintf("Título firmado digitalmente el %s", fechaFirma)
	if err := s.partner.NotifyTituloEstado(ctx, token, doc.ID.String(), estadoCodigo, obs); err != nil {
		s.logger.WarnContext(ctx, "could not report signed state to partner",
			"document_id", doc.ID, "error", err)
	}
	s.notifyEstadoChange(ctx, doc,
		lifecycle.TituloPendienteFirmaSG, lifecycle.TituloFirmadoSG,
		obs+". URL de validación: "+shortURL)

	return &FirmarResult{
		Success:       true,
		Message:       "Título firmado exitosamente",
		UUID:          doc.ID.String(),
		Estado:        lifecycle.TituloFirmadoSG,
		FechaFirma:    fechaFirma,
		URLValidacion: shortURL,
	}, nil
}

// BFAResponse is suspended: títulos moved from blockchain notarization to
// digital signatures. The route stays registered so stale callbacks get a
// clear answer instead of a 404.
func (s *Service) BFAResponse(ctx context.Context, id uuid.UUID) error {
	s.logger.WarnContext(ctx, "suspended blockchain callback invoked for título", "document_id", id)
	return dErrors.New(dErrors.CodeSuspended,
		"El endpoint de blockchain para títulos está suspendido temporalmente. "+
			"Se implementará firma digital en su lugar. "+
			"Para más información, consulte la documentación.")
}

// QRImage renders a QR PNG for an arbitrary URL.
func (s *Service) QRImage(ctx context.Context, url string) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "'url' es requerido")
	}
	return s.partner.GetQRImage(ctx, url)
}

var codeInParens = regexp.MustCompile(`\((\d+)\)`)

// digitsOf extracts the numeric code from a form value: either the digits in
// parentheses ("Abogacia (16)" reads 16) or all digits in the value.
func digitsOf(value string) string {
	if m := codeInParens.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func buildFilename(fields map[string]string) string {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := fields[k]; v != "" {
				return digitsOf(v)
			}
		}
		return ""
	}
	parts := []string{
		pick("dni", "DNI", "ndocu", "NDOCU"),
		pick("lugar", "Lugar"),
		pick("facultad", "Facultad", "sector", "Sector"),
		pick("carrera", "Carrera"),
		pick("modalidad", "Modalidad", "modo", "Modo"),
		pick("plan", "Plan"),
	}
	for _, p := range parts {
		if p == "" {
			return ""
		}
	}
	return strings.Join(parts, "/")
}

func validFilename(name string) bool {
	parts := strings.Split(name, "/")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

func parseOTP(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	otp, err := strconv.Atoi(raw)
	if err != nil || otp < 0 {
		return 0, dErrors.Newf(dErrors.CodeBadRequest,
			"'otp' debe ser un número entero positivo en lugar de %q", raw)
	}
	return otp, nil
}
