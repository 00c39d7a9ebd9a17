// ABOUTME: WebSocket client side of the presentation feedback protocol
// ABOUTME: Implements the feedback backend connection against a remote compositor
package feedbackws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Flipstamp/flipstamp-go/pkg/backend/feedback"
	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

// DefaultPath is the WebSocket endpoint of a compositor daemon.
const DefaultPath = "/feedback"

// Config holds client configuration
type Config struct {
	ServerAddr string
	Path       string
	ClientID   string
	Name       string
}

// Client is a surface session on a remote compositor.
type Client struct {
	config Config
	conn   *websocket.Conn

	mu        sync.Mutex
	writeMu   sync.Mutex
	connected bool
	pending   *uint64
	hello     ServerHello

	events chan feedback.Message
	done   chan struct{}
}

// NewClient creates a client; Connect opens the session.
func NewClient(config Config) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	return &Client{
		config: config,
		events: make(chan feedback.Message, 256),
		done:   make(chan struct{}),
	}
}

// Connect dials the compositor and performs the handshake
func (c *Client) Connect() error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: c.config.Path}
	log.Printf("Connecting to compositor at %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	c.conn = conn

	if err := c.handshake(); err != nil {
		conn.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.readMessages()
	return nil
}

func (c *Client) handshake() error {
	hello, err := encode(TypeClientHello, ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  ProtocolVersion,
	})
	if err != nil {
		return err
	}
	if err := c.conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	if msg.Type == TypeServerError {
		var se ServerError
		json.Unmarshal(msg.Payload, &se)
		return fmt.Errorf("compositor refused session: %s", se.Message)
	}
	if err := decode(msg, TypeServerHello, &c.hello); err != nil {
		return err
	}

	log.Printf("Handshake complete with compositor %s (%s clock, refresh %dns)",
		c.hello.Name, clock.ID(c.hello.ClockID), c.hello.RefreshNsec)
	return nil
}

func (c *Client) readMessages() {
	defer close(c.events)
	defer c.Close()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("Compositor read error: %v", err)
			}
			return
		}

		if msg.Type != TypeFeedback {
			log.Printf("Unknown message type from compositor: %s", msg.Type)
			continue
		}

		var fb Feedback
		if err := json.Unmarshal(msg.Payload, &fb); err != nil {
			log.Printf("Failed to parse feedback: %v", err)
			continue
		}

		select {
		case c.events <- fb:
		case <-c.done:
			return
		}
	}
}

// RequestFeedback attaches a feedback request to the next commit.
func (c *Client) RequestFeedback(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &seq
	return nil
}

// Commit sends the frame to the compositor.
func (c *Client) Commit() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("not connected: %w", status.ErrQueryFailed)
	}
	commit := Commit{}
	if c.pending != nil {
		commit.Seq = *c.pending
		commit.WantFeedback = true
		c.pending = nil
	}
	c.mu.Unlock()

	msg, err := encode(TypeCommit, commit)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Events delivers feedback; it is closed when the session ends.
func (c *Client) Events() <-chan feedback.Message {
	return c.events
}

// ClockID is the compositor's presentation clock.
func (c *Client) ClockID() clock.ID {
	return clock.ID(c.hello.ClockID)
}

// RefreshInterval is the refresh period the compositor announced.
func (c *Client) RefreshInterval() float64 {
	return float64(c.hello.RefreshNsec) / 1e9
}

// Close ends the session
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.done)

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	log.Printf("Compositor connection closed")
	return c.conn.Close()
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
