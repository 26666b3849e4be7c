package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Push channel event names.
const (
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventConnected      = "connected"
	EventBackupProgress = "backup_progress"
	EventSessionStarted = "backup_session_started"

	CommandStartSession = "start_backup_session"
)

// Message is one frame of the push channel
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PushClient keeps a websocket open to the backup service and delivers its
// frames in arrival order. Connect and disconnect are delivered as synthetic
// messages.
type PushClient struct {
	url            string
	id             string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	messages chan Message
}

// NewPushClient creates a push client for rawURL. The session identity is
// generated once and presented on every (re)connect.
func NewPushClient(rawURL string, reconnectDelay time.Duration) *PushClient {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &PushClient{
		url:            rawURL,
		id:             uuid.NewString(),
		reconnectDelay: reconnectDelay,
		dialer:         websocket.DefaultDialer,
		messages:       make(chan Message, 256),
	}
}

// SessionID returns the identity the service uses to route events to us.
func (c *PushClient) SessionID() string { return c.id }

// Messages returns the channel of inbound frames.
func (c *PushClient) Messages() <-chan Message { return c.messages }

// Connected reports whether the websocket is currently open.
func (c *PushClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends a command frame. It fails when the channel is not connected.
func (c *PushClient) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("push channel not connected")
	}
	return c.conn.WriteJSON(Message{Event: event, Data: payload})
}

// Run connects and reconnects until ctx is done.
func (c *PushClient) Run(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	for {
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("url", c.url).Msg("Push channel connect failed")
		} else {
			c.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *PushClient) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	log.Info().Str("url", c.url).Str("sid", c.id).Msg("Push channel connected")
	c.deliver(ctx, Message{Event: EventConnect})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Push channel read failed")
			}
			break
		}
		c.deliver(ctx, msg)
	}
	close(done)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	log.Info().Msg("Push channel disconnected")
	c.deliver(ctx, Message{Event: EventDisconnect})
}

func (c *PushClient) deliver(ctx context.Context, msg Message) {
	select {
	case c.messages <- msg:
	case <-ctx.Done():
	}
}

func (c *PushClient) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid push url: %w", err)
	}
	q := u.Query()
	q.Set("sid", c.id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
