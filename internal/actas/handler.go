package actas

import (
	"context"
	"encoding/base64"
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

// WorkflowService defines the acta operations the handler exposes.
type WorkflowService interface {
	SendOTP(ctx context.Context, id uuid.UUID) (*SendOTPResult, error)
	RegisterOTP(ctx context.Context, id uuid.UUID, req RegisterOTPRequest) (*RegisterOTPResult, error)
	Reject(ctx context.Context, id uuid.UUID, motivo string) error
	BFAResponse(ctx context.Context, id uuid.UUID, status string, rawBody string) error
	QRImage(ctx context.Context, url string) ([]byte, error)
}

// Handler handles the acta workflow endpoints. The endpoints are public by
// contract: the teacher authenticates with the one-time passcode itself, and
// the blockchain callback comes from the notarization service.
type Handler struct {
	logger  *slog.Logger
	actas   WorkflowService
	metrics *metrics.Metrics
}

// New creates a new acta Handler.
func New(actas WorkflowService, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, actas: actas, metrics: m}
}

// Register registers the acta routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	actasRouter := chi.NewRouter()
	actasRouter.Use(middleware.Recovery(h.logger))
	actasRouter.Use(middleware.RequestID)
	actasRouter.Use(middleware.Logger(h.logger))
	actasRouter.Use(middleware.Timeout(60 * time.Second))
	actasRouter.Use(middleware.ContentTypeJSON)
	actasRouter.Use(middleware.LatencyMiddleware(h.metrics))
	actasRouter.Post("/{uuid}/sendotp", h.handleSendOTP)
	actasRouter.Post("/{uuid}/sendotp/", h.handleSendOTP)
	actasRouter.Post("/{uuid}/registerotp", h.handleRegisterOTP)
	actasRouter.Post("/{uuid}/registerotp/", h.handleRegisterOTP)
	actasRouter.Post("/{uuid}/reject", h.handleReject)
	actasRouter.Post("/{uuid}/reject/", h.handleReject)
	actasRouter.Post("/{uuid}/bfaresponse", h.handleBFAResponse)
	actasRouter.Post("/{uuid}/bfaresponse/", h.handleBFAResponse)
	actasRouter.Post("/qr", h.handleQR)
	actasRouter.Post("/qr/", h.handleQR)

	r.Mount("/actas", actasRouter)
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

func (h *Handler) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	result, err := h.actas.SendOTP(ctx, id)
	if err != nil {
		h.logger.WarnContext(ctx, "send OTP failed",
			"request_id", requestID,
			"document_id", id,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRegisterOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	var req RegisterOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid register OTP request",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	result, err := h.actas.RegisterOTP(ctx, id, req)
	if err != nil {
		h.logger.WarnContext(ctx, "register OTP failed",
			"request_id", requestID,
			"document_id", id,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "acta signed and submitted to blockchain",
		"request_id", requestID,
		"document_id", id,
	)
	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	var req struct {
		Motivo string `json:"motivo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	if err := h.actas.Reject(ctx, id, req.Motivo); err != nil {
		h.logger.WarnContext(ctx, "acta rejection failed",
			"request_id", requestID,
			"document_id", id,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "acta rejected",
		"request_id", requestID,
		"document_id", id,
	)
	shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "rechazada"})
}

func (h *Handler) handleBFAResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	// The raw body is persisted verbatim as a document feature, so read it
	// before decoding.
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	if err := h.actas.BFAResponse(ctx, id, req.Status, string(body)); err != nil {
		h.logger.WarnContext(ctx, "blockchain callback failed",
			"request_id", requestID,
			"document_id", id,
			"status", req.Status,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "blockchain callback processed",
		"request_id", requestID,
		"document_id", id,
		"status", req.Status,
	)
	shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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

	image, err := h.actas.QRImage(ctx, req.URL)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, map[string]string{
		"image":     base64.StdEncoding.EncodeToString(image),
		"mime_type": "image/png",
	})
}

var _ WorkflowService = (*Service)(nil)
