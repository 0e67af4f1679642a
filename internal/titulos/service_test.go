package titulos

import (
	"context"
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

type TituloServiceSuite struct {
	suite.Suite

	store    *document.InMemoryStore
	partner  *partner.Fake
	signer   *signer.Fake
	notifier *notify.Recorder
	svc      *Service
	now      time.Time
}

func (s *TituloServiceSuite) SetupTest() {
	s.now = time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)
	s.store = document.NewInMemoryStore().WithClock(func() time.Time { return s.now })
	s.partner = partner.NewFake()
	s.partner.ValidOTPs[654321] = true
	s.signer = signer.NewFake()
	s.notifier = &notify.Recorder{}

	logger := slog.New(slog.DiscardHandler)
	s.svc = NewService(s.store, s.partner, s.signer, s.notifier, nil, nil, logger, Config{
		ValidationTemplate: "https://valida.ucasal.edu.ar/titulos?u={{uuid}}",
	}).WithClock(func() time.Time { return s.now })
}

func (s *TituloServiceSuite) recibir(fields map[string]string) *RecibirResult {
	req := RecibirRequest{
		Filename:    "8205853/10/3/16/2/8707",
		Content:     []byte("%PDF-1.4 titulo"),
		ContentType: "application/pdf",
		Fields:      fields,
	}
	if fields != nil {
		req.Filename = fields["filename"]
	}
	result, err := s.svc.Recibir(context.Background(), req)
	s.Require().NoError(err)
	return result
}

func (s *TituloServiceSuite) TestRecibirSeedsMetadata() {
	result := s.recibir(nil)
	s.Equal("8205853/10/3/16/2/8707", result.Filename)
	s.Equal(lifecycle.TituloRecibido, result.Estado)
	s.Equal(DefaultSeries, result.Serie)

	id, err := uuid.Parse(result.UUID)
	s.Require().NoError(err)
	doc, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	s.Equal(DocType, doc.DocType)
	s.Equal("8205853", doc.Metadata["metadata.titulo_dni"])
	s.Equal("10", doc.Metadata["metadata.titulo_lugar_id"])
	s.Equal("3", doc.Metadata["metadata.titulo_facultad_id"])
	s.Equal("16", doc.Metadata["metadata.titulo_carrera_id"])
	s.Equal("2", doc.Metadata["metadata.titulo_modalidad_id"])
	s.Equal("8707", doc.Metadata["metadata.titulo_plan"])
	s.Equal("DNI", doc.Metadata["metadata.titulo_tipo_dni"])
	s.Equal("2025-06-10", doc.Metadata["metadata.titulo_fecha_ingreso"])
}

func (s *TituloServiceSuite) TestRecibirBuildsFilenameFromFields() {
	result := s.recibir(map[string]string{
		"dni":       "8205853",
		"lugar":     "DELEGACION S S DE JUJUY - JUJUY (10)",
		"facultad":  "CIENCIAS JURÍDICAS (3)",
		"carrera":   "Abogacia (16)",
		"modalidad": "NO PRESENCIAL (2)",
		"plan":      "8707",
		"titulo":    "Abogado",
	})
	s.Equal("8205853/10/3/16/2/8707", result.Filename)

	id, err := uuid.Parse(result.UUID)
	s.Require().NoError(err)
	doc, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	s.Equal("Abogado", doc.Metadata["metadata.titulo_titulo"])
	s.Equal("Abogacia (16)", doc.Metadata["metadata.titulo_carrera"])
	s.Equal("16", doc.Metadata["metadata.titulo_carrera_id"])
}

func (s *TituloServiceSuite) TestRecibirRejectsMalformedFilename() {
	_, err := s.svc.Recibir(context.Background(), RecibirRequest{
		Filename:    "8205853/10/3",
		Content:     []byte("%PDF-1.4"),
		ContentType: "application/pdf",
	})
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *TituloServiceSuite) TestRecibirRejectsNonPDF() {
	_, err := s.svc.Recibir(context.Background(), RecibirRequest{
		Filename:    "8205853/10/3/16/2/8707",
		Content:     []byte("hello"),
		ContentType: "text/plain",
	})
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *TituloServiceSuite) TestEstadoChainNotifiesPartnerAndAdvances() {
	ctx := context.Background()
	result := s.recibir(nil)
	id := uuid.MustParse(result.UUID)

	estado, err := s.svc.InformarEstado(ctx, id, lifecycle.TituloPendienteAprobacionUA, "a revisión")
	s.Require().NoError(err)
	s.True(estado.Success)
	s.Equal(1, estado.EstadoCodigo)

	n, ok := s.partner.LastNotification()
	s.Require().True(ok)
	s.Equal("titulo_estado", n.Operation)
	s.Equal(1, n.Estado)
	s.Equal("a revisión", n.Observaciones)

	doc, err := s.store.Get(ctx, id)
	s.Require().NoError(err)
	s.Equal(lifecycle.TituloPendienteAprobacionUA, doc.State.Name)

	// The internal mail uses the per-state template.
	s.Require().NotEmpty(s.notifier.Sent)
	s.Equal("ucasal_titulo_pendiente_aprobacion", s.notifier.Sent[len(s.notifier.Sent)-1].Template)
}

func (s *TituloServiceSuite) TestEstadoRejectsIllegalTransition() {
	ctx := context.Background()
	result := s.recibir(nil)
	id := uuid.MustParse(result.UUID)

	// Recibido cannot jump straight to Firmado por SG.
	_, err := s.svc.InformarEstado(ctx, id, lifecycle.TituloFirmadoSG, "")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	s.Empty(s.partner.Notifications)
}

func (s *TituloServiceSuite) TestEstadoRequiresValue() {
	result := s.recibir(nil)
	_, err := s.svc.InformarEstado(context.Background(), uuid.MustParse(result.UUID), "", "")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *TituloServiceSuite) TestValidarOTP() {
	ctx := context.Background()
	result := s.recibir(nil)
	id := uuid.MustParse(result.UUID)

	out, err := s.svc.ValidarOTP(ctx, id, "decano@ucasal.edu.ar", "654321")
	s.Require().NoError(err)
	s.True(out.OTPValido)
	s.Equal("decano@ucasal.edu.ar", out.Usuario)

	_, err = s.svc.ValidarOTP(ctx, id, "decano@ucasal.edu.ar", "111111")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeInvalidOTP))

	_, err = s.svc.ValidarOTP(ctx, id, "", "654321")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

// advanceTo walks a título through the approval chain up to the given state.
func (s *TituloServiceSuite) advanceTo(id uuid.UUID, target string) {
	chain := []string{
		lifecycle.TituloPendienteAprobacionUA,
		lifecycle.TituloAprobadoUA,
		lifecycle.TituloPendienteAprobacionR,
		lifecycle.TituloAprobadoR,
		lifecycle.TituloPendienteFirmaSG,
	}
	for _, estado := range chain {
		_, err := s.svc.InformarEstado(context.Background(), id, estado, "")
		s.Require().NoError(err)
		if estado == target {
			return
		}
	}
}

func (s *TituloServiceSuite) TestFirmarSignsAndReportsState() {
	ctx := context.Background()
	result := s.recibir(map[string]string{
		"filename": "8205853/10/3/16/2/8707",
		"dni":      "8205853",
		"titulo":   "Abogado",
	})
	id := uuid.MustParse(result.UUID)
	s.advanceTo(id, lifecycle.TituloPendienteFirmaSG)

	lat, long := -24.78, -65.41
	out, err := s.svc.Firmar(ctx, id, FirmarRequest{
		OTP:       "654321",
		IP:        "181.30.1.1",
		Latitude:  &lat,
		Longitude: &long,
		Accuracy:  "10m",
		UserAgent: "Mozilla/5.0",
	})
	s.Require().NoError(err)
	s.True(out.Success)
	s.Equal(lifecycle.TituloFirmadoSG, out.Estado)
	s.NotEmpty(out.URLValidacion)

	doc, err := s.store.Get(ctx, id)
	s.Require().NoError(err)
	s.Equal(lifecycle.TituloFirmadoSG, doc.State.Name)
	s.Equal("1", doc.Features[digitalSignatureFeature])
	s.Equal([]byte("%PDF-1.4 signed"), doc.Binary)
	s.Equal("8205853/10/3/16/2/8707.pdf", doc.BinaryFilename)
	s.Equal("Secretaría General", doc.Metadata["metadata.firma.firmante"])
	s.Equal(out.URLValidacion, doc.Metadata["metadata.firma.url_validacion"])
	s.Equal("2025-06-10", doc.Metadata["metadata.titulo_fecha_firma"])

	// Caption identifies the institution, the degree and the date.
	s.Contains(s.signer.LastQR.Caption, "Secretaría General")
	s.Contains(s.signer.LastQR.Caption, "Abogado")
	s.Contains(s.signer.LastQR.Caption, "DNI: 8205853")
	s.Require().NotNil(s.signer.LastOTP)
	s.Equal("secretaria.general@ucasal.edu.ar", s.signer.LastOTP.Mail)

	// The partner hears about Firmado por SG (code 6).
	n, ok := s.partner.LastNotification()
	s.Require().True(ok)
	s.Equal("titulo_estado", n.Operation)
	s.Equal(6, n.Estado)
}

func (s *TituloServiceSuite) TestFirmarWithoutOTPOrGeolocation() {
	ctx := context.Background()
	result := s.recibir(nil)
	id := uuid.MustParse(result.UUID)
	s.advanceTo(id, lifecycle.TituloPendienteFirmaSG)

	out, err := s.svc.Firmar(ctx, id, FirmarRequest{})
	s.Require().NoError(err)
	s.True(out.Success)
	// No identity block without geolocation.
	s.Nil(s.signer.LastOTP)
}

func (s *TituloServiceSuite) TestFirmarRequiresPendingSignatureState() {
	ctx := context.Background()
	result := s.recibir(nil)
	id := uuid.MustParse(result.UUID)

	_, err := s.svc.Firmar(ctx, id, FirmarRequest{})
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	s.Zero(s.signer.Calls)
}

func (s *TituloServiceSuite) TestFirmarRejectsInvalidOTP() {
	ctx := context.Background()
	result := s.recibir(nil)
	id := uuid.MustParse(result.UUID)
	s.advanceTo(id, lifecycle.TituloPendienteFirmaSG)

	_, err := s.svc.Firmar(ctx, id, FirmarRequest{OTP: "999999"})
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeInvalidOTP))

	doc, err := s.store.Get(ctx, id)
	s.Require().NoError(err)
	s.Equal(lifecycle.TituloPendienteFirmaSG, doc.State.Name)
}

func (s *TituloServiceSuite) TestBFAResponseIsSuspended() {
	err := s.svc.BFAResponse(context.Background(), uuid.New())
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeSuspended))
}

func TestTituloServiceSuite(t *testing.T) {
	suite.Run(t, new(TituloServiceSuite))
}

func TestDigitsOf(t *testing.T) {
	require.Equal(t, "16", digitsOf("Abogacia (16)"))
	require.Equal(t, "8707", digitsOf("8707"))
	require.Equal(t, "102", digitsOf("A1B0C2"))
	require.Equal(t, "", digitsOf("sin código"))
}

func TestValidFilename(t *testing.T) {
	require.True(t, validFilename("8205853/10/3/16/2/8707"))
	require.False(t, validFilename("8205853/10/3"))
	require.False(t, validFilename("8205853/10/3/16/2/plan"))
	require.False(t, validFilename(""))
}
