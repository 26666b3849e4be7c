// Package network talks to the remote backup service: request/response calls
// over HTTP and the websocket push channel carrying progress notifications.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/pkg/models"
)

// NetworkErrorMessage is reported when the backup service could not be reached.
const NetworkErrorMessage = "Network error"

var (
	// ErrUnavailable is returned when the service could not be reached or
	// answered something that is not its API.
	ErrUnavailable = errors.New("backup service unavailable")
	// ErrRejected is returned when the service refused a request.
	ErrRejected = errors.New("rejected by backup service")
)

// Result is the response body of the backup service endpoints
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure returns the text describing an unsuccessful result.
func (r Result) Failure() string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Message != "":
		return r.Message
	default:
		return "unknown error"
	}
}

// StartRequest carries everything the service needs to run a backup
type StartRequest struct {
	ServerName  string
	Address     string
	Credentials json.RawMessage
	Paths       []string
	SessionID   string
}

// Client calls the backup service HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new backup service client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// StartBackup asks the service to start a backup bound to req.SessionID.
// A returned error means the service could not be reached or answered garbage;
// an explicit refusal comes back as a Result with Success=false.
func (c *Client) StartBackup(ctx context.Context, req StartRequest) (Result, error) {
	body := credentialFields(req.Credentials)
	body["serverName"] = req.ServerName
	body["address"] = req.Address
	body["paths"] = req.Paths
	body["sessionId"] = req.SessionID

	return c.post(ctx, "/api/start-backup", body)
}

// TestConnection asks the service to check connectivity to address.
func (c *Client) TestConnection(ctx context.Context, address string, credentials json.RawMessage) (Result, error) {
	body := credentialFields(credentials)
	body["address"] = address

	return c.post(ctx, "/api/test-connection", body)
}

// ListBackups returns the archives the service keeps for serverName, newest
// first. An empty serverName lists every server.
func (c *Client) ListBackups(ctx context.Context, serverName string) ([]models.BackupArchive, error) {
	path := "/api/get-backups"
	if serverName != "" {
		path += "?" + url.Values{"serverId": {serverName}}.Encode()
	}

	var resp struct {
		Result
		Backups []models.BackupArchive `json:"backups"`
	}
	if _, err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Failure())
	}
	return resp.Backups, nil
}

// DeleteBackup removes the archive identified by backupID.
func (c *Client) DeleteBackup(ctx context.Context, backupID string) error {
	var res Result
	if _, err := c.call(ctx, http.MethodDelete, "/api/delete-backup", map[string]any{"backupId": backupID}, &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrRejected, res.Failure())
	}
	return nil
}

// BackupStatus returns the service's status of the backup of serverName.
func (c *Client) BackupStatus(ctx context.Context, serverName string) (models.ServiceBackupStatus, error) {
	var resp struct {
		Result
		Status models.ServiceBackupStatus `json:"status"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/api/backup-status/"+url.PathEscape(serverName), nil, &resp); err != nil {
		return models.ServiceBackupStatus{}, err
	}
	if !resp.Success {
		return models.ServiceBackupStatus{}, fmt.Errorf("%w: %s", ErrRejected, resp.Failure())
	}
	return resp.Status, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) (Result, error) {
	var res Result
	status, err := c.call(ctx, http.MethodPost, path, body, &res)
	if err != nil {
		return Result{}, err
	}
	if status >= 300 && res.Success {
		return Result{}, fmt.Errorf("%w: unexpected status %d from %s", ErrUnavailable, status, path)
	}
	return res, nil
}

// call performs one request and decodes the JSON response into out. The
// service answers refusals and its own failures with a JSON body, so any
// status is decoded.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("could not create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: request to %s failed: %w", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: could not read response: %w", ErrUnavailable, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return 0, fmt.Errorf("%w: unexpected response from %s (status %d): %w", ErrUnavailable, path, resp.StatusCode, err)
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Backup service responded")

	return resp.StatusCode, nil
}

// credentialFields spreads an opaque credentials object into a request body.
// Non-object blobs are forwarded under the "credentials" key.
func credentialFields(credentials json.RawMessage) map[string]any {
	body := make(map[string]any)
	if len(credentials) == 0 {
		return body
	}
	if err := json.Unmarshal(credentials, &body); err != nil {
		body = map[string]any{"credentials": credentials}
	}
	return body
}
