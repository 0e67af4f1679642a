// Package files exposes the generic document CRUD gateway. It proxies to the
// remote document store and adds no workflow semantics of its own; actas and
// títulos go through their own services.
package files

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docflow/internal/partner"
	"docflow/internal/platform/metrics"
	"docflow/internal/platform/middleware"
	"docflow/internal/transport/http/shared"
	dErrors "docflow/pkg/domain-errors"
)

const (
	maxUploadBytes  = 32 << 20
	defaultPageSize = 20
)

// Store is the remote CRUD surface the gateway forwards to.
type Store interface {
	Create(ctx context.Context, up partner.FileUpload) (map[string]any, error)
	Update(ctx context.Context, id string, up partner.FileUpload) (map[string]any, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id, fetchMode string) (map[string]any, error)
	Download(ctx context.Context, id string) ([]byte, string, string, error)
	SearchQuery(ctx context.Context, query string, page, pageSize int) (map[string]any, error)
	SearchResultSet(ctx context.Context, query string, page, pageSize int) (map[string]any, error)
}

// Handler handles the files gateway endpoints. All routes require a JWT:
// unlike the workflow endpoints there is no narrower credential to fall back
// on.
type Handler struct {
	logger       *slog.Logger
	files        Store
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates a new files Handler.
func New(
	files Store,
	logger *slog.Logger,
	m *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		files:        files,
		metrics:      m,
		jwtValidator: jwtValidator,
	}
}

// Register registers the files routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	filesRouter := chi.NewRouter()
	filesRouter.Use(middleware.Recovery(h.logger))
	filesRouter.Use(middleware.RequestID)
	filesRouter.Use(middleware.Logger(h.logger))
	filesRouter.Use(middleware.Timeout(120 * time.Second))
	filesRouter.Use(middleware.LatencyMiddleware(h.metrics))
	filesRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	filesRouter.Post("/", h.handleCreate)
	filesRouter.Put("/{uuid}", h.handleUpdate)
	filesRouter.Put("/{uuid}/", h.handleUpdate)
	filesRouter.Delete("/{uuid}", h.handleDelete)
	filesRouter.Delete("/{uuid}/", h.handleDelete)
	filesRouter.Get("/{uuid}", h.handleGet)
	filesRouter.Get("/{uuid}/", h.handleGet)
	filesRouter.Get("/{uuid}/download", h.handleDownload)
	filesRouter.Get("/{uuid}/download/", h.handleDownload)
	filesRouter.Post("/search/query", h.handleSearchQuery)
	filesRouter.Post("/search/query/", h.handleSearchQuery)
	filesRouter.Post("/search/resultset", h.handleSearchResultSet)
	filesRouter.Post("/search/resultset/", h.handleSearchResultSet)

	r.Mount("/files", filesRouter)
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "uuid")
	if _, err := uuid.Parse(raw); err != nil {
		shared.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest,
			"%q no es un uuid válido", raw))
		return "", false
	}
	return raw, true
}

// parseUpload reads the multipart payload shared by create and update. The
// file part is optional on update (metadata-only changes).
func (h *Handler) parseUpload(w http.ResponseWriter, r *http.Request) (partner.FileUpload, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			"Content-Type debe ser multipart/form-data"))
		return partner.FileUpload{}, false
	}

	up := partner.FileUpload{
		UUID:     r.FormValue("uuid"),
		Filename: r.FormValue("filename"),
		Doctype:  r.FormValue("doctype"),
		Serie:    r.FormValue("serie"),
	}

	if raw := r.FormValue("metadatas"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &up.Metadatas); err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
				`el campo "metadatas" debe ser un objeto JSON`))
			return partner.FileUpload{}, false
		}
	}

	file, header, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable upload"))
			return partner.FileUpload{}, false
		}
		up.Content = content
		up.MIMEType = header.Header.Get("Content-Type")
	}

	return up, true
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	up, ok := h.parseUpload(w, r)
	if !ok {
		return
	}
	if len(up.Content) == 0 {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			`el campo "file" es requerido`))
		return
	}
	if up.Doctype == "" {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			`el campo "doctype" es requerido`))
		return
	}

	result, err := h.files.Create(ctx, up)
	if err != nil {
		h.logger.WarnContext(ctx, "remote create failed",
			"request_id", requestID,
			"filename", up.Filename,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	up, ok := h.parseUpload(w, r)
	if !ok {
		return
	}

	result, err := h.files.Update(ctx, id, up)
	if err != nil {
		h.logger.WarnContext(ctx, "remote update failed",
			"request_id", requestID,
			"document_id", id,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	if err := h.files.Delete(ctx, id); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	result, err := h.files.Get(ctx, id, r.URL.Query().Get("fetch_mode"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	content, filename, contentType, err := h.files.Download(ctx, id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

type searchRequest struct {
	Query    string `json:"query"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// parseSearch validates the query. Only SELECT statements pass through; the
// remote store accepts arbitrary NXQL and this gateway is not the place to
// allow writes.
func (h *Handler) parseSearch(w http.ResponseWriter, r *http.Request) (searchRequest, bool) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return searchRequest{}, false
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(req.Query)), "SELECT ") {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			"sólo se permiten consultas SELECT"))
		return searchRequest{}, false
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			req.Page = n
		}
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = defaultPageSize
	}
	return req, true
}

func (h *Handler) handleSearchQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.parseSearch(w, r)
	if !ok {
		return
	}

	result, err := h.files.SearchQuery(ctx, req.Query, req.Page, req.PageSize)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSearchResultSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.parseSearch(w, r)
	if !ok {
		return
	}

	result, err := h.files.SearchResultSet(ctx, req.Query, req.Page, req.PageSize)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, result)
}

var _ Store = (*partner.Files)(nil)
