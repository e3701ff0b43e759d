package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "tok"

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, testToken, srv.Client())
	require.NoError(t, err)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envelope(code, msg string, remaining *int) map[string]any {
	e := map[string]any{"code": code, "message": msg}
	if remaining != nil {
		e["remaining"] = *remaining
	}
	return map[string]any{"error": e}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://host", "", nil)
	require.Error(t, err)

	_, err = New("://", "", nil)
	require.Error(t, err)

	c, err := New("http://host:8080/", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://host:8080/health", c.endpoint("health"))
}

func TestClient_SendsBearerToken(t *testing.T) {
	var got string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	require.NoError(t, c.Health(context.Background()))
	assert.Equal(t, "Bearer "+testToken, got)
}

func TestClient_ErrorEnvelope(t *testing.T) {
	remaining := 2
	tests := []struct {
		name     string
		status   int
		body     any
		sentinel error
		code     string
	}{
		{"unauthorized", http.StatusUnauthorized, envelope("UNAUTHORIZED", "invalid or expired token", nil), ErrUnauthorized, "UNAUTHORIZED"},
		{"not found", http.StatusNotFound, envelope("NOT_FOUND", "no such job", nil), ErrNotFound, "NOT_FOUND"},
		{"daily limit", http.StatusTooManyRequests, envelope("DAILY_LIMIT_REACHED", "limit reached", &remaining), ErrQuotaExceeded, "DAILY_LIMIT_REACHED"},
		{"unavailable", http.StatusServiceUnavailable, envelope("INTERNAL_ERROR", "shutting down", nil), ErrUnavailable, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))

			_, err := c.Progress(context.Background(), "job-1")
			require.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestClient_ErrorWithoutEnvelope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))

	err := c.Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, testToken, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Health(context.Background()), ErrUnavailable)
}

func TestUpload(t *testing.T) {
	path := writeTempFile(t, "photo.png", "png-bytes")

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "png-bytes", string(b))
		assert.Equal(t, "photo.png", hdr.Filename)
		writeJSON(w, http.StatusOK, UploadResult{FilePath: "u1/uploads/x-photo.png", FileName: hdr.Filename, FileSize: int64(len(b))})
	}))

	res, err := c.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, res.Queued())
	assert.Equal(t, "u1/uploads/x-photo.png", res.FilePath)
	assert.EqualValues(t, 9, res.FileSize)
}

func TestUpload_MissingFile(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	_, err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWaitForUpload(t *testing.T) {
	var polls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload/status/up-1", r.URL.Path)
		st := UploadStatus{UploadID: "up-1", Status: "uploading"}
		if polls.Add(1) >= 3 {
			st.Status = UploadCompleted
			st.FilePath = "u1/uploads/up-1-a.png"
		}
		writeJSON(w, http.StatusOK, st)
	}))

	path, err := c.WaitForUpload(context.Background(), "up-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "u1/uploads/up-1-a.png", path)
	assert.EqualValues(t, 3, polls.Load())
}

func TestWaitForUpload_Failed(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, UploadStatus{UploadID: "up-1", Status: UploadFailed, Error: "store down"})
	}))

	_, err := c.WaitForUpload(context.Background(), "up-1", time.Millisecond)
	require.ErrorContains(t, err, "store down")
}

func TestConvert(t *testing.T) {
	var got ConvertRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, ConvertResult{JobID: got.JobID, DownloadURL: "https://store/x", OutputPath: "u1/converted/x.webp", ExpiresIn: 3600})
	}))

	res, err := c.Convert(context.Background(), ConvertRequest{UploadID: "up-1", Format: "webp", Quality: "high", JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, ConvertRequest{UploadID: "up-1", Format: "webp", Quality: "high", JobID: "job-1"}, got)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 3600, res.ExpiresIn)
}

func TestCheckBatchLimit(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]int
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, 4, in["fileCount"])
		writeJSON(w, http.StatusOK, BatchLimit{Allowed: false, Plan: "free", Used: 9, Limit: 10, Remaining: 1, Message: "only 1 left"})
	}))

	bl, err := c.CheckBatchLimit(context.Background(), 4)
	require.NoError(t, err)
	assert.False(t, bl.Allowed)
	assert.Equal(t, 1, bl.Remaining)
}

func TestAbortAndDelete(t *testing.T) {
	var seen []string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = append(seen, strings.TrimSpace(r.Method+" "+r.URL.Path+" "+string(b)))
		switch r.URL.Path {
		case "/abort/upload", "/abort/conversion":
			writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
		case "/abort/all-uploads":
			writeJSON(w, http.StatusOK, map[string]int{"aborted": 2})
		case "/files":
			writeJSON(w, http.StatusOK, map[string]int{"deleted": 1})
		}
	}))
	ctx := context.Background()

	ok, err := c.AbortUpload(ctx, "up-1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := c.AbortAllUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err = c.AbortConversion(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = c.DeleteFiles(ctx, []string{"u1/uploads/a.png"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{
		`POST /abort/upload {"uploadId":"up-1"}`,
		`POST /abort/all-uploads`,
		`POST /abort/conversion {"jobId":"job-1"}`,
		`DELETE /files {"paths":["u1/uploads/a.png"]}`,
	}, seen)
}

func TestDownload_FollowsSignedURLWithoutToken(t *testing.T) {
	var signedAuth atomic.Value
	signedAuth.Store("unset")

	mux := http.NewServeMux()
	mux.HandleFunc("/signed/", func(w http.ResponseWriter, r *http.Request) {
		signedAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("converted"))
	})
	var srvURL string
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download/u1/converted/a.webp", r.URL.Path)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		http.Redirect(w, r, srvURL+"/signed/a.webp?sig=1", http.StatusFound)
	})
	c, srv := newTestClient(t, mux)
	srvURL = srv.URL

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "u1/converted/a.webp", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)
	assert.Equal(t, "converted", buf.String())
	assert.Equal(t, "", signedAuth.Load())
}

func TestDownload_Forbidden(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, envelope("FORBIDDEN", "access denied", nil))
	}))

	_, err := c.Download(context.Background(), "u2/converted/a.webp", io.Discard)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
}

func TestDownloadZip_Stream(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("X-Zip-Included", "2")
		w.Header().Set("X-Zip-Total", "3")
		_, _ = w.Write([]byte("PK-zip"))
	}))

	var buf bytes.Buffer
	res, err := c.DownloadZip(context.Background(), []string{"a", "b", "c"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, ZipResult{Included: 2, Total: 3}, res)
	assert.Equal(t, "PK-zip", buf.String())
}

func TestDownloadZip_Link(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/download/zip", func(w http.ResponseWriter, r *http.Request) {
		var in map[string][]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, []string{"a", "b"}, in["filePaths"])
		writeJSON(w, http.StatusOK, map[string]any{"downloadUrl": srvURL + "/signed/z.zip", "expiresIn": 3600, "included": 2, "total": 2})
	})
	mux.HandleFunc("/signed/z.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PK-linked"))
	})
	c, srv := newTestClient(t, mux)
	srvURL = srv.URL

	var buf bytes.Buffer
	res, err := c.DownloadZip(context.Background(), []string{"a", "b"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, ZipResult{Included: 2, Total: 2}, res)
	assert.Equal(t, "PK-linked", buf.String())
}

func TestIsAborted(t *testing.T) {
	block := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Convert(ctx, ConvertRequest{FilePath: "a", Format: "webp"})
	require.Error(t, err)
	assert.True(t, IsAborted(err))
	assert.False(t, IsAborted(ErrUnavailable))
}
