package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
)

// Upload states reported by the server.
const (
	UploadCompleted = "completed"
	UploadFailed    = "failed"
	UploadAborted   = "aborted"
)

type UploadResult struct {
	FilePath string `json:"filePath"`
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// Queued reports whether the server deferred the store upload.
func (u UploadResult) Queued() bool {
	return u.UploadID != ""
}

type UploadStatus struct {
	UploadID string `json:"uploadId"`
	Status   string `json:"status"`
	FilePath string `json:"filePath"`
	Error    string `json:"error"`
}

type ConvertRequest struct {
	FilePath string `json:"filePath,omitempty"`
	UploadID string `json:"uploadId,omitempty"`
	Format   string `json:"format"`
	Quality  string `json:"quality,omitempty"`
	JobID    string `json:"jobId,omitempty"`
}

type ConvertResult struct {
	JobID       string `json:"jobId"`
	DownloadURL string `json:"downloadUrl"`
	OutputPath  string `json:"outputPath"`
	ExpiresIn   int    `json:"expiresIn"`
}

type Progress struct {
	JobID    string  `json:"jobId"`
	Progress float64 `json:"progress"`
	State    string  `json:"state"`
	Message  string  `json:"message"`
	Error    string  `json:"error"`
}

type BatchLimit struct {
	Allowed   bool   `json:"allowed"`
	Plan      string `json:"plan"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Message   string `json:"message"`
}

// ZipResult says how many of the requested files made it into an archive.
type ZipResult struct {
	Included int
	Total    int
}

// Client is a thin typed wrapper over the HTTP API. It is safe for
// concurrent use.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// New builds a client for the server at baseURL. A nil httpClient uses a
// client without an overall timeout; callers bound requests with contexts.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: u, token: token, http: httpClient}, nil
}

func (c *Client) endpoint(elem ...string) string {
	return c.baseURL.JoinPath(elem...).String()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set(common.AuthorizationHeader, common.BearerPrefix+c.token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, hc *http.Client) (*http.Response, error) {
	if hc == nil {
		hc = c.http
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// doJSON sends in (when non-nil) as JSON and decodes a 2xx body into out.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(req, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// checkResponse turns a non-2xx response into *APIError.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var env struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Remaining *int   `json:"remaining"`
		} `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, &env); err != nil || env.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(b))}
	}
	return &APIError{
		Status:    resp.StatusCode,
		Code:      env.Error.Code,
		Message:   env.Error.Message,
		Remaining: env.Error.Remaining,
	}
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, c.endpoint("health"), nil, nil)
}

// Upload streams a local file to the server as multipart form data.
func (c *Client) Upload(ctx context.Context, path string) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("upload"), pr)
	if err != nil {
		pr.CloseWithError(err)
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(req, nil)
	if err != nil {
		pr.CloseWithError(err)
		return UploadResult{}, err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return UploadResult{}, err
	}
	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

func (c *Client) UploadStatus(ctx context.Context, uploadID string) (UploadStatus, error) {
	var out UploadStatus
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("upload", "status", uploadID), nil, &out)
	return out, err
}

// WaitForUpload polls a queued upload until it reaches a final state and
// returns its storage path.
func (c *Client) WaitForUpload(ctx context.Context, uploadID string, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.UploadStatus(ctx, uploadID)
		if err != nil {
			return "", err
		}
		switch st.Status {
		case UploadCompleted:
			return st.FilePath, nil
		case UploadFailed:
			return "", fmt.Errorf("upload %s failed: %s", uploadID, st.Error)
		case UploadAborted:
			return "", fmt.Errorf("upload %s was aborted", uploadID)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Convert blocks until the server has converted, stored and signed the
// result.
func (c *Client) Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error) {
	var out ConvertResult
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("convert"), req, &out)
	return out, err
}

func (c *Client) Progress(ctx context.Context, ref string) (Progress, error) {
	var out Progress
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("convert", "progress", ref), nil, &out)
	return out, err
}

func (c *Client) CheckBatchLimit(ctx context.Context, fileCount int) (BatchLimit, error) {
	var out BatchLimit
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("check-batch-limit"), map[string]int{"fileCount": fileCount}, &out)
	return out, err
}

func (c *Client) AbortUpload(ctx context.Context, uploadID string) (bool, error) {
	var out struct {
		Aborted bool `json:"aborted"`
	}
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("abort", "upload"), map[string]string{"uploadId": uploadID}, &out)
	return out.Aborted, err
}

func (c *Client) AbortAllUploads(ctx context.Context) (int, error) {
	var out struct {
		Aborted int `json:"aborted"`
	}
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("abort", "all-uploads"), nil, &out)
	return out.Aborted, err
}

func (c *Client) AbortConversion(ctx context.Context, jobID string) (bool, error) {
	var out struct {
		Aborted bool `json:"aborted"`
	}
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("abort", "conversion"), map[string]string{"jobId": jobID}, &out)
	return out.Aborted, err
}

func (c *Client) DeleteFiles(ctx context.Context, paths []string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.doJSON(ctx, http.MethodDelete, c.endpoint("files"), map[string][]string{"paths": paths}, &out)
	return out.Deleted, err
}

// Download writes a stored file to dst. The server answers with a redirect
// to a signed URL, which is fetched without the bearer token.
func (c *Client) Download(ctx context.Context, key string, dst io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("download", key), nil)
	if err != nil {
		return 0, err
	}

	noRedirect := *c.http
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := c.send(req, &noRedirect)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusTemporaryRedirect {
		if err := checkResponse(resp); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("download %s: unexpected status %d", key, resp.StatusCode)
	}

	loc, err := resp.Location()
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", key, err)
	}
	return c.fetchSigned(ctx, loc.String(), dst)
}

// fetchSigned downloads a pre-authorized URL.
func (c *Client) fetchSigned(ctx context.Context, signedURL string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: "signed download failed"}
	}
	return io.Copy(dst, resp.Body)
}

// DownloadZip bundles stored files into one archive written to dst. Both
// server delivery modes are handled: a streamed body or a JSON link.
func (c *Client) DownloadZip(ctx context.Context, paths []string, dst io.Writer) (ZipResult, error) {
	b, err := json.Marshal(map[string][]string{"filePaths": paths})
	if err != nil {
		return ZipResult{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("download", "zip"), bytes.NewReader(b))
	if err != nil {
		return ZipResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.send(req, nil)
	if err != nil {
		return ZipResult{}, err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return ZipResult{}, err
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var link struct {
			DownloadURL string `json:"downloadUrl"`
			Included    int    `json:"included"`
			Total       int    `json:"total"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&link); err != nil {
			return ZipResult{}, fmt.Errorf("decode zip response: %w", err)
		}
		if _, err := c.fetchSigned(ctx, link.DownloadURL, dst); err != nil {
			return ZipResult{}, err
		}
		return ZipResult{Included: link.Included, Total: link.Total}, nil
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return ZipResult{}, err
	}
	included, _ := strconv.Atoi(resp.Header.Get("X-Zip-Included"))
	total, _ := strconv.Atoi(resp.Header.Get("X-Zip-Total"))
	return ZipResult{Included: included, Total: total}, nil
}

// IsAborted reports whether err comes from a cancelled request rather than
// from the server.
func IsAborted(err error) bool {
	return errors.Is(err, context.Canceled)
}
