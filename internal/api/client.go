// Package api provides the client for the remote ilix server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/logging"
)

// Client is an ilix API client. Every credentialed operation carries the pool
// key-phrase as the bearer credential, the way the server expects it: in the
// path for pool/transfer scopes, as a query value for file downloads.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient creates a client for the given server base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: logging.Component("api"),
	}
}

// envelope is the server's uniform response shape. data is a JSON document
// re-encoded as a string by the server, so decoding is a two-step affair.
type envelope struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason"`
	Data       string `json:"data"`
}

// do performs one request and returns the raw inner data document.
// Failures are classified per the client error taxonomy: transport problems
// wrap core.ErrTransport, server-declared failures map through their reason
// string, and an unreadable envelope is corrupted data.
func (c *Client) do(ctx context.Context, method, path string, body any) (string, error) {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req)
}

func (c *Client) send(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("%w: unreadable response envelope", core.ErrCorruptedData)
	}

	if !env.Success {
		reason := env.Reason
		if reason == "" {
			reason = core.ReasonTransport
		}
		c.log.Debug("%s %s failed: %s", req.Method, req.URL.Path, reason)
		return "", core.ErrForReason(reason)
	}
	return env.Data, nil
}

// decode unmarshals the inner data document into v.
func decode(data string, v any) error {
	if data == "" {
		return fmt.Errorf("%w: empty response data", core.ErrCorruptedData)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCorruptedData, err)
	}
	return nil
}

func checkKeyPhrase(keyPhrase string) error {
	if !core.ValidKeyPhrase(keyPhrase) {
		return core.ErrInvalidKeyPhrase
	}
	return nil
}

// -----------------------------------------------------------------------------
// Pool operations
// -----------------------------------------------------------------------------

// CreatePool creates a new pool and returns its freshly minted key-phrase.
// No credential needed: the returned key-phrase IS the credential.
func (c *Client) CreatePool(ctx context.Context, name, deviceID, deviceName string) (string, error) {
	if core.EmptyString(name) || core.EmptyString(deviceID) || core.EmptyString(deviceName) {
		return "", core.ErrEmptyArgument
	}

	data, err := c.do(ctx, http.MethodPost, "/pool/new", map[string]string{
		"name":        name,
		"device_id":   deviceID,
		"device_name": deviceName,
	})
	if err != nil {
		return "", err
	}

	var keyPhrase string
	if err := decode(data, &keyPhrase); err != nil {
		return "", err
	}
	if !core.ValidKeyPhrase(keyPhrase) {
		return "", fmt.Errorf("%w: server returned malformed key-phrase", core.ErrCorruptedData)
	}
	return keyPhrase, nil
}

// JoinPool joins an existing pool by key-phrase. A device that is already a
// member gets core.ErrAlreadyInPool, which callers treat as "fetch the pool
// instead", not as a fatal failure.
func (c *Client) JoinPool(ctx context.Context, keyPhrase, deviceID, deviceName string) (core.DevicesPool, error) {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return core.DevicesPool{}, err
	}

	path := "/pool/" + url.PathEscape(keyPhrase) + "/join"
	data, err := c.do(ctx, http.MethodPut, path, map[string]string{
		"device_id":   deviceID,
		"device_name": deviceName,
	})
	if err != nil {
		return core.DevicesPool{}, err
	}
	return decodePool(data)
}

// GetPool fetches the pool record for a key-phrase.
func (c *Client) GetPool(ctx context.Context, keyPhrase string) (core.DevicesPool, error) {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return core.DevicesPool{}, err
	}

	data, err := c.do(ctx, http.MethodGet, "/pool/"+url.PathEscape(keyPhrase), nil)
	if err != nil {
		return core.DevicesPool{}, err
	}
	return decodePool(data)
}

func decodePool(data string) (core.DevicesPool, error) {
	var pool core.DevicesPool
	if err := decode(data, &pool); err != nil {
		return core.DevicesPool{}, err
	}
	if !pool.Complete() {
		return core.DevicesPool{}, fmt.Errorf("%w: pool payload missing required fields", core.ErrCorruptedData)
	}
	return pool, nil
}

// LeavePool removes this device from a pool.
func (c *Client) LeavePool(ctx context.Context, keyPhrase, deviceID string) error {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return err
	}

	path := "/pool/" + url.PathEscape(keyPhrase) + "/leave"
	_, err := c.do(ctx, http.MethodDelete, path, map[string]string{"device_id": deviceID})
	return err
}

// DeletePool deletes a pool outright for every member.
func (c *Client) DeletePool(ctx context.Context, keyPhrase string) error {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return err
	}
	_, err := c.do(ctx, http.MethodDelete, "/pool/"+url.PathEscape(keyPhrase), nil)
	return err
}

// -----------------------------------------------------------------------------
// Transfer operations
// -----------------------------------------------------------------------------

// ListTransfers lists the transfers visible to a device in a pool. An empty
// inbox is a normal outcome, not an error; a transfer missing a required
// field poisons the whole response.
func (c *Client) ListTransfers(ctx context.Context, keyPhrase, deviceID string) ([]core.FileTransfer, error) {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return nil, err
	}

	path := "/file-transfer/" + url.PathEscape(keyPhrase) + "/" + url.PathEscape(deviceID) + "/all"
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var transfers []core.FileTransfer
	if err := decode(data, &transfers); err != nil {
		return nil, err
	}
	for _, t := range transfers {
		if !t.Complete() {
			return nil, fmt.Errorf("%w: transfer payload missing required fields", core.ErrCorruptedData)
		}
	}
	return transfers, nil
}

// NewTransfer creates an empty transfer from one device to another and
// returns its id. Files are attached afterwards with AddFiles.
func (c *Client) NewTransfer(ctx context.Context, keyPhrase, from, to string) (string, error) {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return "", err
	}

	q := url.Values{"from": {from}, "to": {to}}
	path := "/file-transfer/" + url.PathEscape(keyPhrase) + "/new?" + q.Encode()
	data, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}

	var transferID string
	if err := decode(data, &transferID); err != nil {
		return "", err
	}
	return transferID, nil
}

// FileUpload is one file to attach to a transfer.
type FileUpload struct {
	Filename string
	Content  io.Reader
}

// AddFiles attaches files to an existing transfer as a multipart upload.
func (c *Client) AddFiles(ctx context.Context, keyPhrase, transferID string, files []FileUpload) error {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Filename)
		if err != nil {
			return fmt.Errorf("build upload form: %w", err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return fmt.Errorf("read upload %q: %w", f.Filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize upload form: %w", err)
	}

	path := "/file-transfer/" + url.PathEscape(keyPhrase) + "/" + url.PathEscape(transferID) + "/add_files"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, err = c.send(req)
	return err
}

// DeleteTransfer removes a transfer (and, server-side, its files).
func (c *Client) DeleteTransfer(ctx context.Context, keyPhrase, deviceID, transferID string) error {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return err
	}

	path := "/file-transfer/" + url.PathEscape(keyPhrase) + "/" +
		url.PathEscape(deviceID) + "/" + url.PathEscape(transferID)
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}

// -----------------------------------------------------------------------------
// File operations
// -----------------------------------------------------------------------------

// GetFilesInfo batch-fetches file metadata by ids.
func (c *Client) GetFilesInfo(ctx context.Context, filesIDs []string) ([]core.FileInfo, error) {
	if len(filesIDs) == 0 {
		return nil, nil
	}

	q := url.Values{"files_ids": {strings.Join(filesIDs, ",")}}
	data, err := c.do(ctx, http.MethodGet, "/files/info?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return decodeFilesInfo(data)
}

// DeleteFile removes one stored file.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/file/"+url.PathEscape(fileID), nil)
	return err
}

// DownloadFile streams a file's content into w and returns the filename the
// server advertises. Downloads bypass the JSON envelope entirely.
func (c *Client) DownloadFile(ctx context.Context, keyPhrase, fileID string, w io.Writer) (string, error) {
	if err := checkKeyPhrase(keyPhrase); err != nil {
		return "", err
	}

	q := url.Values{"key_phrase": {keyPhrase}}
	reqURL := c.baseURL + "/file/" + url.PathEscape(fileID) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: download status %d", core.ErrTransport, resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrTransport, err)
	}

	filename := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	return filename, nil
}

func filenameFromDisposition(disposition string) string {
	for _, part := range strings.Split(disposition, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
