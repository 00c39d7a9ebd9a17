// ABOUTME: Live WebSocket feed of swap completions for remote dashboards
// ABOUTME: Fans every completion out to subscribed viewers and advertises over mDNS
package monitor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Flipstamp/flipstamp-go/internal/discovery"
	"github.com/Flipstamp/flipstamp-go/pkg/flipstamp"
)

// Path is the WebSocket endpoint of the feed.
const Path = "/monitor"

// Event is what viewers receive for each completion.
type Event struct {
	Session      string   `json:"session"`
	Seq          uint64   `json:"seq"`
	Status       string   `json:"status"`
	OnsetTime    float64  `json:"onset_time"`
	FrameCounter uint64   `json:"frame_counter"`
	Flags        string   `json:"flags"`
	Source       string   `json:"source"`
	SwapType     string   `json:"swap_type"`
	Level        string   `json:"level"`
	Codes        []string `json:"codes,omitempty"`
}

// FromCompletion converts a completion for the wire.
func FromCompletion(c flipstamp.Completion) Event {
	ev := Event{
		Session:      c.Session,
		Seq:          c.Seq,
		Status:       c.Status.String(),
		OnsetTime:    c.OnsetTime,
		FrameCounter: c.FrameCounter,
		Flags:        c.Flags.String(),
		Source:       c.Source.String(),
		SwapType:     c.Verdict.SwapType.String(),
		Level:        c.Verdict.Level.String(),
	}
	for _, code := range c.Verdict.Codes {
		ev.Codes = append(ev.Codes, code.String())
	}
	return ev
}

// Config holds monitor configuration
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
}

type viewer struct {
	conn     *websocket.Conn
	sendChan chan Event
}

// Hub broadcasts completions to viewers.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
	dropped int64

	httpServer  *http.Server
	mdnsManager *discovery.Manager
	wg          sync.WaitGroup
}

// NewHub creates a hub; Start serves it on Config.Port.
func NewHub(config Config) *Hub {
	h := &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:     http.NewServeMux(),
		viewers: make(map[*viewer]struct{}),
	}
	h.mux.HandleFunc(Path, h.handleWebSocket)
	return h
}

// Handler exposes the HTTP handler, e.g. for httptest.
func (h *Hub) Handler() http.Handler {
	return h.mux
}

// Viewers returns the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Observer returns a completion observer feeding the hub.
func (h *Hub) Observer() flipstamp.CompletionFunc {
	return func(c flipstamp.Completion) { h.Publish(FromCompletion(c)) }
}

// Publish queues ev for every viewer. Slow viewers lose events rather
// than stall the presenter.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		select {
		case v.sendChan <- ev:
		default:
			h.dropped++
		}
	}
}

// Dropped counts events lost to full viewer queues.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Start listens in the background and advertises the feed if enabled.
func (h *Hub) Start() error {
	addr := fmt.Sprintf(":%d", h.config.Port)
	h.httpServer = &http.Server{Addr: addr, Handler: h.mux}

	errChan := make(chan error, 1)
	go func() {
		if err := h.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("monitor listen on %s: %w", addr, err)
	case <-time.After(50 * time.Millisecond):
	}
	log.Printf("Monitor feed listening on %s%s", addr, Path)

	if h.config.EnableMDNS {
		h.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: h.config.Name,
			Port:        h.config.Port,
			Role:        discovery.RoleMonitor,
			Path:        Path,
		})
		if err := h.mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to advertise monitor feed: %v", err)
		}
	}
	return nil
}

// Stop disconnects viewers and shuts the listener down.
func (h *Hub) Stop() {
	if h.mdnsManager != nil {
		h.mdnsManager.Stop()
	}

	h.mu.Lock()
	for v := range h.viewers {
		v.conn.Close()
	}
	h.mu.Unlock()

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
	h.wg.Wait()
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Monitor upgrade error: %v", err)
		return
	}

	v := &viewer{conn: conn, sendChan: make(chan Event, 256)}
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.viewerWriter(v)
	}()

	// Viewers only listen; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.viewers, v)
	close(v.sendChan)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) viewerWriter(v *viewer) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	const writeDeadline = 10 * time.Second

	for {
		select {
		case ev, ok := <-v.sendChan:
			if !ok {
				return
			}
			v.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := v.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := v.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// Watch connects to a feed at addr and calls fn for every event until
// ctx is done or the feed closes.
func Watch(ctx context.Context, addr string, fn func(Event)) error {
	u := url.URL{Scheme: "ws", Host: addr, Path: Path}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial monitor: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
	}
}
