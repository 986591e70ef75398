package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const joinTimeout = 10 * time.Second

// Client is one peer's connection to the relay.
type Client struct {
	log  *logrus.Entry
	conn *websocket.Conn

	mu       sync.Mutex
	room     string
	clientID string

	incoming chan Frame
	done     chan struct{}
	closeOne sync.Once
}

// Dial connects to a relay endpoint (ws:// or wss:// URL ending in /ws).
func Dial(ctx context.Context, url string, log *logrus.Entry) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}
	conn.SetReadLimit(MaxFrameSize)
	c := &Client{
		log:      log,
		conn:     conn,
		incoming: make(chan Frame, sendBufferSize),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer func() {
		c.closeOne.Do(func() { close(c.done) })
		close(c.incoming)
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.WithError(err).Warn("malformed relay frame")
			continue
		}
		select {
		case c.incoming <- f:
		case <-c.done:
			return
		}
	}
}

// Join enters a room and blocks until the relay confirms membership. The
// returned member count tells the caller whether the peer is already
// present.
func (c *Client) Join(room string) (memberCount int, err error) {
	if err := c.writeFrame(Frame{Type: FrameJoin, Room: room}); err != nil {
		return 0, err
	}
	deadline := time.After(joinTimeout)
	for {
		select {
		case f, ok := <-c.incoming:
			if !ok {
				return 0, fmt.Errorf("relay: connection closed while joining %q", room)
			}
			switch f.Type {
			case FrameJoined:
				c.mu.Lock()
				c.room = f.Room
				c.clientID = f.ClientID
				c.mu.Unlock()
				return f.MemberCount, nil
			case FrameError:
				return 0, fmt.Errorf("relay: join %q: %s: %s", room, f.Code, f.Message)
			default:
				// Frames racing the join confirmation are not ours to
				// drop silently, but pre-join the only expected ones are
				// peer notifications; log and continue.
				c.log.WithField("type", f.Type).Debug("frame before joined")
			}
		case <-deadline:
			return 0, fmt.Errorf("relay: join %q timed out", room)
		}
	}
}

// Send broadcasts one payload to the other room member.
func (c *Client) Send(payload json.RawMessage) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == "" {
		return fmt.Errorf("relay: send before join")
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("relay: payload of %d bytes exceeds frame ceiling", len(payload))
	}
	return c.writeFrame(Frame{Type: FrameMsg, Room: room, Payload: payload})
}

// Incoming yields msg, peer_joined, and error frames until the
// connection closes.
func (c *Client) Incoming() <-chan Frame {
	return c.incoming
}

// ClientID returns the relay-assigned identity after Join.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.closeOne.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) writeFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}
