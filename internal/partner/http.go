package partner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"docflow/internal/platform/config"
	"docflow/internal/platform/metrics"
	dErrors "docflow/pkg/domain-errors"
)

const (
	// Upstream tokens live ~60 minutes; caching for 50 leaves headroom.
	tokenTTL    = 50 * time.Minute
	shortURLTTL = 24 * time.Hour
	qrTTL       = 24 * time.Hour
)

// pngStub is a 1x1 transparent PNG returned when QR rendering fails. The
// signing flow must never hard-fail on the QR image alone.
var pngStub, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

// HTTPClient is the production Client talking to the real partner endpoints.
type HTTPClient struct {
	cfg     config.Partner
	http    *http.Client
	cache   Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHTTPClient(cfg config.Partner, cache Cache, logger *slog.Logger, m *metrics.Metrics) *HTTPClient {
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		cache:   cache,
		logger:  logger,
		metrics: m,
	}
}

func (c *HTTPClient) count(operation, outcome string) {
	if c.metrics != nil {
		c.metrics.PartnerCalls.WithLabelValues(operation, outcome).Inc()
	}
}

func (c *HTTPClient) GetAuthToken(ctx context.Context) (string, error) {
	cacheKey := "token:" + c.cfg.TokenUser
	if v, ok, err := c.cache.Get(ctx, cacheKey); err == nil && ok {
		return v, nil
	}

	form := url.Values{}
	form.Set("usuario", c.cfg.TokenUser)
	form.Set("clave", c.cfg.TokenPassword)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		c.count("get_auth_token", "error")
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "partner token service unreachable")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.count("get_auth_token", "error")
		c.logger.ErrorContext(ctx, "token request failed",
			"status", resp.StatusCode, "body", string(body))
		return "", dErrors.Newf(dErrors.CodeUnavailable,
			"unexpected status %d obtaining auth token", resp.StatusCode)
	}

	token := strings.TrimSpace(string(body))
	if err := c.cache.Set(ctx, cacheKey, token, tokenTTL); err != nil {
		c.logger.WarnContext(ctx, "token cache write failed", "error", err)
	}
	c.count("get_auth_token", "success")
	return token, nil
}

func (c *HTTPClient) ValidateOTP(ctx context.Context, user string, otp int) error {
	endpoint := strings.NewReplacer(
		"{{usuario}}", url.QueryEscape(user),
		"{{token}}", strconv.Itoa(otp),
	).Replace(c.cfg.OTPValidationTemplate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "build otp request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.count("validate_otp", "error")
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "partner otp service unreachable")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		c.count("validate_otp", "success")
		return nil
	case http.StatusUnauthorized:
		c.count("validate_otp", "invalid")
		return dErrors.New(dErrors.CodeInvalidOTP, "el código OTP es inválido o ha expirado")
	default:
		c.count("validate_otp", "error")
		return dErrors.Newf(dErrors.CodeUnavailable,
			"unexpected status %d validating OTP", resp.StatusCode)
	}
}

func (c *HTTPClient) GetShortURL(ctx context.Context, token, longURL string) (string, error) {
	cacheKey := "shorturl:" + hashKey(longURL)
	if v, ok, err := c.cache.Get(ctx, cacheKey); err == nil && ok {
		return v, nil
	}

	entorno := c.cfg.ShortenEnv
	if entorno == "" {
		entorno = "produccion"
	}
	payload := map[string]string{"url": longURL, "entorno": entorno}

	status, body, err := c.doJSON(ctx, http.MethodPost, c.cfg.ShortenURL, token, payload)
	if err != nil {
		c.count("get_short_url", "error")
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "partner shortener unreachable")
	}
	if status != http.StatusOK && status != http.StatusCreated {
		c.count("get_short_url", "error")
		return "", dErrors.Newf(dErrors.CodeUnavailable,
			"unexpected status %d shortening URL", status)
	}

	var out struct {
		URLCorta string `json:"url_corta"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.URLCorta == "" {
		c.count("get_short_url", "error")
		return "", dErrors.New(dErrors.CodeUnavailable, "shortener response missing url_corta")
	}

	if err := c.cache.Set(ctx, cacheKey, out.URLCorta, shortURLTTL); err != nil {
		c.logger.WarnContext(ctx, "short url cache write failed", "error", err)
	}
	c.count("get_short_url", "success")
	return out.URLCorta, nil
}

// GetQRImage renders the QR locally. The legacy deployment stopped calling
// the remote QR endpoint and rendered in-process; we keep that behavior and
// fall back to a stub image if rendering fails.
func (c *HTTPClient) GetQRImage(ctx context.Context, target string) ([]byte, error) {
	cacheKey := "qr:" + hashKey(target)
	if v, ok, err := c.cache.Get(ctx, cacheKey); err == nil && ok {
		if png, err := base64.StdEncoding.DecodeString(v); err == nil {
			return png, nil
		}
	}

	png, err := qrcode.Encode(target, qrcode.Medium, 256)
	if err != nil {
		c.logger.WarnContext(ctx, "qr render failed, returning stub image",
			"error", err, "url", target)
		c.count("get_qr_image", "stub")
		return pngStub, nil
	}

	if err := c.cache.Set(ctx, cacheKey, base64.StdEncoding.EncodeToString(png), qrTTL); err != nil {
		c.logger.WarnContext(ctx, "qr cache write failed", "error", err)
	}
	c.count("get_qr_image", "success")
	return png, nil
}

func (c *HTTPClient) RegisterInBlockchain(ctx context.Context, token, fileHash, fileUUID, callbackURL string) (string, error) {
	payload := map[string]string{
		"fileHash":    fileHash,
		"callbackUrl": callbackURL,
	}
	status, body, err := c.doJSON(ctx, http.MethodPost, c.cfg.StampsURL, token, payload)
	if err != nil {
		c.count("register_in_blockchain", "error")
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "partner stamps service unreachable")
	}
	if status != http.StatusOK {
		c.count("register_in_blockchain", "error")
		c.logger.ErrorContext(ctx, "blockchain registration failed",
			"status", status, "body", string(body), "file_uuid", fileUUID)
		return "", dErrors.Newf(dErrors.CodeUnavailable,
			"unexpected status %d registering hash in blockchain", status)
	}
	c.count("register_in_blockchain", "success")
	return string(body), nil
}

func (c *HTTPClient) NotifyRejection(ctx context.Context, token, id, previousID, reason string) error {
	payload := map[string]any{
		"estado":        1,
		"motivo":        reason,
		"previous_uuid": previousID,
	}
	return c.patchEstado(ctx, "notify_rejection", token, id, payload)
}

func (c *HTTPClient) NotifyBlockchainSuccess(ctx context.Context, token, id string) error {
	return c.patchEstado(ctx, "notify_blockchain_success", token, id, map[string]any{"estado": 5})
}

func (c *HTTPClient) NotifyTituloEstado(ctx context.Context, token, id string, estado int, observaciones string) error {
	payload := map[string]any{
		"estado":        estado,
		"observaciones": observaciones,
	}
	return c.patchEstado(ctx, "notify_titulo_estado", token, id, payload)
}

func (c *HTTPClient) patchEstado(ctx context.Context, operation, token, id string, payload map[string]any) error {
	endpoint := strings.TrimRight(c.cfg.ChangeActaURL, "/") + "/" + id
	status, body, err := c.doJSON(ctx, http.MethodPatch, endpoint, token, payload)
	if err != nil {
		c.count(operation, "error")
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "partner state service unreachable")
	}
	if status != http.StatusOK {
		c.count(operation, "error")
		c.logger.ErrorContext(ctx, "partner state notification failed",
			"operation", operation, "status", status, "body", string(body), "document_id", id)
		return dErrors.Newf(dErrors.CodeUnavailable,
			"unexpected status %d notifying partner", status)
	}
	c.count(operation, "success")
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, endpoint, token string, payload any) (int, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

func hashKey(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

var _ Client = (*HTTPClient)(nil)
