package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zangezia/backupdesk/pkg/models"
)

// Feed receives hub messages from a running desk
type Feed struct {
	conn *websocket.Conn
}

// Dial connects to the /ws endpoint of the desk at baseURL.
func Dial(ctx context.Context, baseURL string) (*Feed, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid desk url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", u, err)
	}
	return &Feed{conn: conn}, nil
}

// Receive blocks for the next message.
func (f *Feed) Receive() (models.WSMessage, error) {
	var msg models.WSMessage
	err := f.conn.ReadJSON(&msg)
	return msg, err
}

// Close closes the connection.
func (f *Feed) Close() error { return f.conn.Close() }

// API calls the desk HTTP endpoints the watcher needs
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI creates a client for the desk at baseURL.
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Cancel cancels the running backup.
func (a *API) Cancel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/backup/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			return errors.New(body.Error)
		}
		return fmt.Errorf("cancel failed: %s", resp.Status)
	}
	return nil
}
