package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"docflow/internal/platform/config"
	dErrors "docflow/pkg/domain-errors"
)

// FileUpload is the multipart payload for remote create/update calls.
type FileUpload struct {
	// UUID is client-supplied on create so a retried request lands on the
	// same document instead of duplicating it.
	UUID      string
	Filename  string
	Doctype   string
	Serie     string
	Metadatas map[string]string
	Content   []byte
	MIMEType  string
}

// Files proxies generic document CRUD against the remote store's REST
// surface. Transient failures (network errors, 5xx, 429) are retried with
// exponential backoff up to the configured attempt count; 4xx are not.
type Files struct {
	baseURL  string
	user     string
	password string
	retryMax int
	http     *http.Client
	logger   *slog.Logger
}

func NewFiles(cfg config.Partner, logger *slog.Logger) *Files {
	return &Files{
		baseURL:  strings.TrimRight(cfg.StoreAPIURL, "/"),
		user:     cfg.StoreAPIUser,
		password: cfg.StoreAPIPassword,
		retryMax: cfg.RetryMax,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger,
	}
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (f *Files) Create(ctx context.Context, up FileUpload) (map[string]any, error) {
	body, contentType, err := multipartBody(up, true)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build create payload")
	}
	raw, err := f.retry(ctx, "create", func() ([]byte, error) {
		return f.do(ctx, http.MethodPost, "/files/", contentType, bytes.NewReader(body), http.StatusCreated, http.StatusOK)
	})
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

func (f *Files) Update(ctx context.Context, id string, up FileUpload) (map[string]any, error) {
	body, contentType, err := multipartBody(up, false)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build update payload")
	}
	raw, err := f.retry(ctx, "update", func() ([]byte, error) {
		return f.do(ctx, http.MethodPut, "/files/"+id+"/", contentType, bytes.NewReader(body), http.StatusOK)
	})
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

func (f *Files) Delete(ctx context.Context, id string) error {
	_, err := f.retry(ctx, "delete", func() ([]byte, error) {
		return f.do(ctx, http.MethodDelete, "/files/"+id+"/", "", nil, http.StatusNoContent, http.StatusOK)
	})
	return err
}

func (f *Files) Get(ctx context.Context, id, fetchMode string) (map[string]any, error) {
	path := "/files/" + id + "/"
	if fetchMode != "" {
		path += "?fetch_mode=" + url.QueryEscape(fetchMode)
	}
	raw, err := f.retry(ctx, "get", func() ([]byte, error) {
		return f.do(ctx, http.MethodGet, path, "", nil, http.StatusOK)
	})
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

// Download returns the binary content, the filename from the disposition
// header and the content type.
func (f *Files) Download(ctx context.Context, id string) ([]byte, string, string, error) {
	var filename, contentType string
	raw, err := f.retry(ctx, "download", func() ([]byte, error) {
		req, err := f.newRequest(ctx, http.MethodGet, "/files/"+id+"/download/", "", nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.http.Do(req)
		if err != nil {
			return nil, &transientError{err}
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if err := checkStatus(resp.StatusCode, body, http.StatusOK); err != nil {
			return nil, err
		}
		contentType = resp.Header.Get("Content-Type")
		if cd := resp.Header.Get("Content-Disposition"); cd != "" {
			if _, params, err := mime.ParseMediaType(cd); err == nil {
				filename = params["filename"]
			}
		}
		return body, nil
	})
	if err != nil {
		return nil, "", "", err
	}
	return raw, filename, contentType, nil
}

func (f *Files) SearchQuery(ctx context.Context, query string, page, pageSize int) (map[string]any, error) {
	return f.search(ctx, "/search/query/", query, page, pageSize)
}

func (f *Files) SearchResultSet(ctx context.Context, query string, page, pageSize int) (map[string]any, error) {
	return f.search(ctx, "/search/resultset/", query, page, pageSize)
}

func (f *Files) search(ctx context.Context, path, query string, page, pageSize int) (map[string]any, error) {
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode search payload")
	}
	path += "?page=" + strconv.Itoa(page) + "&page_size=" + strconv.Itoa(pageSize)
	raw, err := f.retry(ctx, "search", func() ([]byte, error) {
		return f.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), http.StatusOK)
	})
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

func (f *Files) retry(ctx context.Context, operation string, call func() ([]byte, error)) ([]byte, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), uint64(f.retryMax)), ctx)

	var out []byte
	err := backoff.Retry(func() error {
		raw, err := call()
		if err != nil {
			var te *transientError
			if errors.As(err, &te) {
				f.logger.WarnContext(ctx, "remote store call failed, retrying",
					"operation", operation, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		out = raw
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Files) do(ctx context.Context, method, path, contentType string, body io.Reader, okStatuses ...int) ([]byte, error) {
	req, err := f.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, &transientError{err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if err := checkStatus(resp.StatusCode, raw, okStatuses...); err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *Files) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if f.user != "" {
		req.SetBasicAuth(f.user, f.password)
	}
	return req, nil
}

func checkStatus(status int, body []byte, okStatuses ...int) error {
	for _, ok := range okStatuses {
		if status == ok {
			return nil
		}
	}
	err := dErrors.Newf(dErrors.CodeUnavailable, "remote store returned status %d", status)
	if status >= 500 || status == http.StatusTooManyRequests {
		return &transientError{err}
	}
	if status == http.StatusNotFound {
		return dErrors.Newf(dErrors.CodeNotFound, "remote document not found")
	}
	if status >= 400 && status < 500 {
		return dErrors.Newf(dErrors.CodeBadRequest, "remote store rejected request: %s", string(body))
	}
	return err
}

func multipartBody(up FileUpload, includeCreateFields bool) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{"filename": up.Filename}
	if includeCreateFields {
		fields["doctype"] = up.Doctype
		fields["serie"] = up.Serie
		if up.UUID != "" {
			fields["uuid"] = up.UUID
		}
	}
	if len(up.Metadatas) > 0 {
		md, err := json.Marshal(up.Metadatas)
		if err != nil {
			return nil, "", fmt.Errorf("encode metadatas: %w", err)
		}
		fields["metadatas"] = string(md)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	if up.Content != nil {
		part, err := w.CreateFormFile("file", up.Filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(up.Content); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func decodeMap(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "remote store returned malformed JSON")
	}
	return out, nil
}

