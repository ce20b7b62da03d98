// Package knowledge is a client for the Open WebUI files and knowledge
// endpoints.
package knowledge

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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/kbsync/internal/backoff"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

type Client interface {
	UploadFile(ctx context.Context, path, name, knowledgeBaseID string) (UploadedFile, error)
	GetFile(ctx context.Context, fileID string) (File, error)
	DeleteFile(ctx context.Context, fileID string) error
	ListKnowledge(ctx context.Context) ([]KnowledgeBase, error)
	CreateKnowledge(ctx context.Context, name, description string) (KnowledgeBase, error)
	AddFile(ctx context.Context, knowledgeBaseID, fileID string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    backoff.Policy
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		backoff:    backoff.Policy{Base: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2},
	}
}

// UploadFile streams path as multipart form field "file" under name. The
// request is never retried here; a failed upload is retried on a later run.
func (c *HTTPClient) UploadFile(ctx context.Context, path, name, knowledgeBaseID string) (UploadedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadedFile{}, err
	}
	defer f.Close()
	if name == "" {
		name = filepath.Base(path)
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(form, f, name, knowledgeBaseID))
	}()

	var raw []byte
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/v1/files/",
		body:        pr,
		contentType: form.FormDataContentType(),
	}, &raw)
	_ = pr.Close()
	if err != nil {
		return UploadedFile{}, err
	}
	return decodeUploaded(raw), nil
}

// decodeUploaded reads the upload acknowledgement. Any 2xx is a successful
// upload; a body without an id, or one that is not JSON at all, yields an
// UploadedFile with an empty ID.
func decodeUploaded(raw []byte) UploadedFile {
	var out fileWire
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &out) != nil {
		return UploadedFile{}
	}
	file := out.file()
	return UploadedFile{ID: file.ID, Filename: file.Filename, Status: file.Status}
}

func writeUploadForm(form *multipart.Writer, src io.Reader, name, knowledgeBaseID string) error {
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	if knowledgeBaseID != "" {
		if err := form.WriteField("knowledge_base_id", knowledgeBaseID); err != nil {
			return err
		}
	}
	return form.Close()
}

func (c *HTTPClient) GetFile(ctx context.Context, fileID string) (File, error) {
	var out fileWire
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/v1/files/" + url.PathEscape(fileID)}, &out)
	if err != nil {
		return File{}, err
	}
	if out.ID == "" {
		out.ID = fileID
	}
	return out.file(), nil
}

func (c *HTTPClient) DeleteFile(ctx context.Context, fileID string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/api/v1/files/" + url.PathEscape(fileID)}, nil)
}

func (c *HTTPClient) ListKnowledge(ctx context.Context) ([]KnowledgeBase, error) {
	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/v1/knowledge/"}, &raw); err != nil {
		return nil, err
	}
	return decodeKnowledgeList(raw)
}

func (c *HTTPClient) CreateKnowledge(ctx context.Context, name, description string) (KnowledgeBase, error) {
	body, err := json.Marshal(map[string]string{"name": name, "description": description})
	if err != nil {
		return KnowledgeBase{}, err
	}
	var out knowledgeWire
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/v1/knowledge/",
		body:        bytes.NewReader(body),
		contentType: "application/json",
	}, &out)
	if err != nil {
		return KnowledgeBase{}, err
	}
	if out.ID == "" {
		return KnowledgeBase{}, errors.New("create knowledge response missing id")
	}
	kb := out.knowledgeBase()
	if kb.Name == "" {
		kb.Name = name
	}
	return kb, nil
}

func (c *HTTPClient) AddFile(ctx context.Context, knowledgeBaseID, fileID string) error {
	body, err := json.Marshal(map[string]string{"file_id": fileID})
	if err != nil {
		return err
	}
	return c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/v1/knowledge/" + url.PathEscape(knowledgeBaseID) + "/file/add",
		body:        bytes.NewReader(body),
		contentType: "application/json",
	}, nil)
}

type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
}

// idempotent requests are retried on transport errors, 429 and 5xx.
func (r request) idempotent() bool {
	return r.method == http.MethodGet || r.method == http.MethodDelete || r.method == http.MethodHead
}

func (c *HTTPClient) do(ctx context.Context, r request, out any) error {
	retries := 0
	if r.idempotent() && r.body == nil {
		retries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if r.contentType != "" {
			req.Header.Set("Content-Type", r.contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries && ctx.Err() == nil {
				if waitErr := backoff.Sleep(ctx, c.backoff.Delay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if raw, ok := out.(*[]byte); ok {
				*raw = payload
				return nil
			}
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			delay := c.backoff.After(attempt+1, resp.Header.Get("Retry-After"), time.Now())
			if waitErr := backoff.Sleep(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}
		return newHTTPError(resp.StatusCode, payload)
	}
}

func newHTTPError(status int, payload []byte) *HTTPError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	}
	_ = json.Unmarshal(payload, &body)
	msg := body.Message
	if msg == "" {
		switch detail := body.Detail.(type) {
		case string:
			msg = detail
		case nil:
		default:
			if encoded, err := json.Marshal(detail); err == nil {
				msg = string(encoded)
			}
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &HTTPError{StatusCode: status, Code: body.Code, Message: msg}
}

func correlationID() string {
	return "kbsync_" + uuid.NewString()
}
