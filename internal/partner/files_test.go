package partner

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docflow/internal/platform/config"
	dErrors "docflow/pkg/domain-errors"
)

func testFiles(t *testing.T, baseURL string, retryMax int) *Files {
	t.Helper()
	return NewFiles(config.Partner{
		StoreAPIURL:    baseURL,
		StoreAPIUser:   "api-user",
		RetryMax:       retryMax,
		RequestTimeout: 5 * time.Second,
	}, slog.New(slog.DiscardHandler))
}

func TestCreateRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var uuids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		uuids = append(uuids, r.PostFormValue("uuid"))
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"uuid":"doc-1"}`))
	}))
	defer srv.Close()

	f := testFiles(t, srv.URL, 5)
	out, err := f.Create(context.Background(), FileUpload{
		UUID:     "doc-1",
		Filename: "8205853/10/3/16/2/8707",
		Doctype:  "títulos",
		Serie:    "títulos",
		Content:  []byte("%PDF-1.4"),
	})
	require.NoError(t, err)
	require.Equal(t, "doc-1", out["uuid"])
	require.Equal(t, int32(3), calls.Load())
	for _, u := range uuids {
		require.Equal(t, "doc-1", u, "retried creates must reuse the client-supplied uuid")
	}
}

func TestCreateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("metadatas debe ser JSON válido"))
	}))
	defer srv.Close()

	f := testFiles(t, srv.URL, 5)
	_, err := f.Create(context.Background(), FileUpload{Filename: "x", Doctype: "acta", Serie: "actas"})
	require.Error(t, err)
	require.True(t, dErrors.Is(err, dErrors.CodeBadRequest))
	require.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestGetMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := testFiles(t, srv.URL, 2)
	_, err := f.Get(context.Background(), "missing", "")
	require.True(t, dErrors.Is(err, dErrors.CodeNotFound))
}

func TestDownloadReturnsFilenameAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="acta.pdf"`)
		w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	f := testFiles(t, srv.URL, 2)
	content, filename, contentType, err := f.Download(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1.4"), content)
	require.Equal(t, "acta.pdf", filename)
	require.Equal(t, "application/pdf", contentType)
}
