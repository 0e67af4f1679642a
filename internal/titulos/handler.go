package titulos

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docflow/internal/platform/metrics"
	"docflow/internal/platform/middleware"
	"docflow/internal/transport/http/shared"
	dErrors "docflow/pkg/domain-errors"
)

const maxUploadBytes = 32 << 20

// WorkflowService defines the título operations the handler exposes.
type WorkflowService interface {
	Recibir(ctx context.Context, req RecibirRequest) (*RecibirResult, error)
	InformarEstado(ctx context.Context, id uuid.UUID, estado, observaciones string) (*EstadoResult, error)
	ValidarOTP(ctx context.Context, id uuid.UUID, usuario, otp string) (*ValidarOTPResult, error)
	Firmar(ctx context.Context, id uuid.UUID, req FirmarRequest) (*FirmarResult, error)
	BFAResponse(ctx context.Context, id uuid.UUID) error
	QRImage(ctx context.Context, url string) ([]byte, error)
}

// Handler handles the título workflow endpoints. Ingestion and the QR helper
// are open to the upstream systems; state changes and signing require a JWT.
type Handler struct {
	logger       *slog.Logger
	titulos      WorkflowService
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates a new título Handler.
func New(
	titulos WorkflowService,
	logger *slog.Logger,
	m *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		titulos:      titulos,
		metrics:      m,
		jwtValidator: jwtValidator,
	}
}

// Register registers the título routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	titulosRouter := chi.NewRouter()
	titulosRouter.Use(middleware.Recovery(h.logger))
	titulosRouter.Use(middleware.RequestID)
	titulosRouter.Use(middleware.Logger(h.logger))
	titulosRouter.Use(middleware.Timeout(60 * time.Second))
	titulosRouter.Use(middleware.ContentTypeJSON)
	titulosRouter.Use(middleware.LatencyMiddleware(h.metrics))

	titulosRouter.Post("/recibir", h.handleRecibir)
	titulosRouter.Post("/recibir/", h.handleRecibir)
	titulosRouter.Post("/qr", h.handleQR)
	titulosRouter.Post("/qr/", h.handleQR)
	titulosRouter.Post("/{uuid}/bfaresponse", h.handleBFAResponse)
	titulosRouter.Post("/{uuid}/bfaresponse/", h.handleBFAResponse)

	titulosRouter.Group(func(protected chi.Router) {
		protected.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
		protected.Post("/{uuid}/estado", h.handleInformarEstado)
		protected.Post("/{uuid}/estado/", h.handleInformarEstado)
		protected.Post("/{uuid}/validar-otp", h.handleValidarOTP)
		protected.Post("/{uuid}/validar-otp/", h.handleValidarOTP)
		protected.Post("/{uuid}/firmar", h.handleFirmar)
		protected.Post("/{uuid}/firmar/", h.handleFirmar)
	})

	r.Mount("/titulos", titulosRouter)
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "uuid")
	id, err := uuid.Parse(raw)
	if err != nil {
		shared.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest,
			"%q no es un uuid válido", raw))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleRecibir(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			"Content-Type debe ser multipart/form-data"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			`el campo "file" es requerido (PDF del título)`))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable upload"))
		return
	}

	fields := map[string]string{}
	for key, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}

	result, err := h.titulos.Recibir(ctx, RecibirRequest{
		Filename:    fields["filename"],
		Serie:       fields["serie"],
		Doctype:     fields["doctype"],
		Content:     content,
		ContentType: header.Header.Get("Content-Type"),
		Fields:      fields,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "título ingestion failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "título received",
		"request_id", requestID,
		"document_id", result.UUID,
	)
	shared.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleInformarEstado(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	var req struct {
		Estado        string `json:"estado"`
		Observaciones string `json:"observaciones"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	result, err := h.titulos.InformarEstado(ctx, id, req.Estado, req.Observaciones)
	if err != nil {
		h.logger.WarnContext(ctx, "estado report failed",
			"request_id", requestID,
			"document_id", id,
			"estado", req.Estado,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleValidarOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	var req struct {
		OTP     string `json:"otp"`
		Usuario string `json:"usuario"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	result, err := h.titulos.ValidarOTP(ctx, id, req.Usuario, req.OTP)
	if err != nil {
		h.logger.WarnContext(ctx, "OTP validation failed",
			"request_id", requestID,
			"document_id", id,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleFirmar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	var req FirmarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	result, err := h.titulos.Firmar(ctx, id, req)
	if err != nil {
		h.logger.WarnContext(ctx, "título signing failed",
			"request_id", requestID,
			"document_id", id,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "título signed",
		"request_id", requestID,
		"document_id", id,
	)
	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBFAResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	err := h.titulos.BFAResponse(ctx, id)
	if err == nil {
		shared.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if dErrors.Is(err, dErrors.CodeSuspended) {
		shared.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "Endpoint suspendido",
			"message": dErrors.MessageOf(err),
			"status":  "blockchain_suspended",
		})
		return
	}
	shared.WriteError(w, err)
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	image, err := h.titulos.QRImage(ctx, req.URL)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(image)
}

var _ WorkflowService = (*Service)(nil)
