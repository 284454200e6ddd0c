// Package client connects to a room over websocket, keeps a local replica
// of the shared document and reconnects with exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/schema"
)

// ErrNotConnected is returned by send operations while no connection is up.
var ErrNotConnected = errors.New("client: not connected")

// Config selects the room and transport settings.
type Config struct {
	// URL is the server base URL (http, https, ws or wss), including any base path.
	URL      string
	Room     string
	Type     string
	ClientID string
	Header   http.Header
	Dialer   *websocket.Dialer
	// MaxReconnectInterval caps the backoff between reconnect attempts.
	MaxReconnectInterval time.Duration
	WriteTimeout         time.Duration
}

// Client is one peer connection to a room.
type Client struct {
	cfg     Config
	replica *codec.Replica
	wsURL   string

	updates   chan []byte
	awareness chan []schema.AwarenessEntry

	mu       sync.Mutex
	ws       *websocket.Conn
	announce *schema.ControlMessage
	closed   bool
}

// New validates cfg and returns a disconnected client.
func New(cfg Config) (*Client, error) {
	target, err := RoomURL(cfg.URL, cfg.Room, cfg.Type)
	if err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	replica, err := codec.NewReplica(cfg.ClientID)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		replica:   replica,
		wsURL:     target,
		updates:   make(chan []byte, 64),
		awareness: make(chan []schema.AwarenessEntry, 16),
	}, nil
}

// Dial connects once and returns the client. Call Run to read frames and
// reconnect on failure.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// RoomURL builds the websocket URL of a room.
func RoomURL(base, room, roomType string) (string, error) {
	return roomURL(base, room, roomType, "", map[string]string{
		"http": "ws", "https": "wss", "ws": "ws", "wss": "wss",
	})
}

func roomURL(base, room, roomType, suffix string, schemes map[string]string) (string, error) {
	if strings.TrimSpace(room) == "" {
		return "", errors.New("room is required")
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme, ok := schemes[u.Scheme]
	if !ok {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Scheme = scheme
	u.Path = strings.TrimRight(u.Path, "/") + "/rooms/" + room + suffix
	u.RawPath = ""
	q := u.Query()
	if roomType != "" {
		q.Set("type", roomType)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ClientID returns the awareness client id.
func (c *Client) ClientID() schema.ClientID { return schema.ClientID(c.cfg.ClientID) }

// Replica returns the local document replica.
func (c *Client) Replica() *codec.Replica { return c.replica }

// Updates delivers document frames received from the server, including
// the snapshot sent on every (re)connect. Frames arriving while the buffer
// is full are dropped; Replica always holds the merged state.
func (c *Client) Updates() <-chan []byte { return c.updates }

// Awareness delivers awareness snapshots. When the buffer is full the
// oldest snapshot is discarded.
func (c *Client) Awareness() <-chan []schema.AwarenessEntry { return c.awareness }

// Set writes key locally and sends the resulting update.
func (c *Client) Set(key string, value []byte) error {
	update, err := c.replica.Set(key, value)
	if err != nil {
		return err
	}
	return c.SendUpdate(update)
}

// Delete removes key locally and sends the resulting update.
func (c *Client) Delete(key string) error {
	update, err := c.replica.Delete(key)
	if err != nil {
		return err
	}
	return c.SendUpdate(update)
}

// SendUpdate sends an encoded document update.
func (c *Client) SendUpdate(update []byte) error {
	return c.write(websocket.BinaryMessage, update)
}

// SetAwareness announces state for this client. The last announced state
// is repeated after every reconnect.
func (c *Client) SetAwareness(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	msg := schema.ControlMessage{Type: schema.MessageAwareness, ClientID: c.ClientID(), State: raw}
	c.mu.Lock()
	c.announce = &msg
	c.mu.Unlock()
	return c.sendControl(msg)
}

// SyncRequest asks the server to resend the full document.
func (c *Client) SyncRequest() error {
	return c.sendControl(schema.ControlMessage{Type: schema.MessageSyncRequest})
}

// Ping sends a protocol-level ping; the server answers with a pong.
func (c *Client) Ping() error {
	return c.sendControl(schema.ControlMessage{Type: schema.MessagePing})
}

func (c *Client) sendControl(msg schema.ControlMessage) error {
	data, err := schema.EncodeControlMessage(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Client) connect(ctx context.Context) error {
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.wsURL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", c.wsURL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return net.ErrClosed
	}
	c.ws = ws
	announce := c.announce
	c.mu.Unlock()
	pslog.Ctx(ctx).Info("client connected", "url", c.wsURL, "client", c.cfg.ClientID)
	if announce != nil {
		if err := c.sendControl(*announce); err != nil {
			return err
		}
	}
	// Edits made while disconnected reach the room as one merged update.
	if c.replica.Document().MaxClock() > 0 {
		if err := c.SendUpdate(c.replica.State()); err != nil {
			return err
		}
	}
	return nil
}

// Run reads frames until ctx is done or Close is called, reconnecting with
// exponential backoff. The server sends a full snapshot on every connect,
// which re-seeds the local replica.
func (c *Client) Run(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.cfg.MaxReconnectInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(policy, ctx)
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		c.mu.Lock()
		connected := c.ws != nil
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return nil
		}
		if !connected {
			if err := c.connect(ctx); err != nil {
				wait := b.NextBackOff()
				if wait == backoff.Stop {
					return nil
				}
				log.Warn("client reconnect failed", "err", err, "retry_in", wait.String())
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				continue
			}
			b.Reset()
		}
		err := c.readLoop(ctx)
		c.dropConn()
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}
		log.Warn("client connection lost", "err", err)
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	log := pslog.Ctx(ctx)
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := c.replica.Apply(data); err != nil {
				log.Warn("client update rejected", "len", len(data), "head", codec.Head(data), "err", err)
				continue
			}
			c.deliverUpdate(ctx, data)
		case websocket.TextMessage:
			c.handleControl(ctx, data)
		}
	}
}

func (c *Client) handleControl(ctx context.Context, data []byte) {
	var msg schema.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		pslog.Ctx(ctx).Warn("client control message dropped", "err", err)
		return
	}
	if msg.Type != schema.MessageAwareness {
		return
	}
	users := msg.Users
	if users == nil {
		users = []schema.AwarenessEntry{}
	}
	for {
		select {
		case c.awareness <- users:
			return
		default:
		}
		// Replace the oldest snapshot; every snapshot is complete.
		select {
		case <-c.awareness:
			pslog.Ctx(ctx).Warn("client awareness snapshot replaced", "queue", cap(c.awareness))
		default:
		}
	}
}

// deliverUpdate never blocks the read loop. A dropped frame is already
// merged into the replica.
func (c *Client) deliverUpdate(ctx context.Context, data []byte) {
	select {
	case c.updates <- data:
	default:
		pslog.Ctx(ctx).Warn("client update notification dropped", "len", len(data), "queue", cap(c.updates))
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends a close message and stops Run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return ws.Close()
}
