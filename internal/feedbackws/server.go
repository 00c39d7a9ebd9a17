// ABOUTME: WebSocket compositor daemon for the presentation feedback protocol
// ABOUTME: Hosts one compositor surface per connection and streams its feedback back
package feedbackws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Flipstamp/flipstamp-go/internal/discovery"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/feedback"
)

// Surface is a compositor-side surface a client commits frames to.
type Surface interface {
	feedback.Connection
	RefreshInterval() float64
	Run(ctx context.Context)
}

// ServerConfig holds compositor daemon configuration
type ServerConfig struct {
	Port       int
	Name       string
	EnableMDNS bool
	Debug      bool
	// NewSurface creates the surface backing a new session.
	NewSurface func() Surface
}

// Server accepts surface sessions over WebSocket.
type Server struct {
	config   ServerConfig
	serverID string
	upgrader websocket.Upgrader

	httpServer  *http.Server
	mux         *http.ServeMux
	mdnsManager *discovery.Manager

	sessions   map[string]*session
	sessionsMu sync.RWMutex

	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

type session struct {
	ID       string
	Name     string
	Conn     *websocket.Conn
	Surface  Surface
	sendChan chan interface{}
}

// NewServer creates a compositor daemon
func NewServer(config ServerConfig) *Server {
	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin != "" {
					log.Printf("Warning: accepting WebSocket from origin: %s", origin)
				}
				return true
			},
		},
		sessions: make(map[string]*session),
		stopChan: make(chan struct{}),
	}
	s.mux.HandleFunc(DefaultPath, s.handleWebSocket)
	return s
}

// Handler exposes the HTTP handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Sessions returns the number of connected surfaces.
func (s *Server) Sessions() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// Start serves until Stop is called or the listener fails.
func (s *Server) Start() error {
	log.Printf("Compositor starting: %s (ID: %s)", s.config.Name, s.serverID)

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Role:        discovery.RoleCompositor,
			Path:        DefaultPath,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		} else {
			log.Printf("mDNS advertisement started")
		}
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Printf("WebSocket compositor listening on %s", addr)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-s.stopChan:
		log.Printf("Compositor shutting down...")
	case err := <-errChan:
		log.Printf("HTTP server error: %v", err)
		serverErr = err
	}

	s.shutdown()

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	s.wg.Wait()
	log.Printf("Compositor stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// shutdown rejects new sessions and closes the open ones.
func (s *Server) shutdown() {
	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	s.sessionsMu.RLock()
	for _, sess := range s.sessions {
		sess.Conn.Close()
	}
	s.sessionsMu.RUnlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New surface connection from %s", r.RemoteAddr)
	s.handleConnection(conn)
}

// handleConnection runs one surface session
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		log.Printf("Rejecting connection during shutdown")
		return
	}
	s.shutdownMu.RUnlock()

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		log.Printf("Error reading hello: %v", err)
		return
	}

	var hello ClientHello
	if err := decode(msg, TypeClientHello, &hello); err != nil {
		log.Printf("Bad client hello: %v", err)
		return
	}
	if hello.ClientID == "" {
		log.Printf("Client hello missing ClientID")
		return
	}

	if hello.Version != ProtocolVersion {
		s.reject(conn, "version_mismatch", fmt.Sprintf("protocol version %d not supported", hello.Version))
		return
	}

	if s.config.NewSurface == nil {
		s.reject(conn, "no_surface", "compositor has no surface factory")
		return
	}

	sess := &session{
		ID:       hello.ClientID,
		Name:     hello.Name,
		Conn:     conn,
		sendChan: make(chan interface{}, 256),
	}

	s.sessionsMu.Lock()
	if existing, exists := s.sessions[hello.ClientID]; exists {
		s.sessionsMu.Unlock()
		log.Printf("Client ID %s already connected (name: %s), rejecting duplicate", hello.ClientID, existing.Name)
		s.reject(conn, "duplicate_client_id", "Client ID already connected")
		return
	}
	s.sessions[sess.ID] = sess
	s.sessionsMu.Unlock()

	sess.Surface = s.config.NewSurface()
	ctx, cancel := context.WithCancel(context.Background())

	defer func() {
		cancel()
		sess.Surface.Close()
		s.sessionsMu.Lock()
		delete(s.sessions, sess.ID)
		s.sessionsMu.Unlock()
		log.Printf("Surface disconnected: %s", sess.Name)
	}()

	log.Printf("Surface session: %s (ID: %s)", hello.Name, hello.ClientID)

	serverHello, err := encode(TypeServerHello, ServerHello{
		ServerID:    s.serverID,
		Name:        s.config.Name,
		Version:     ProtocolVersion,
		ClockID:     int(sess.Surface.ClockID()),
		RefreshNsec: uint32(sess.Surface.RefreshInterval() * 1e9),
	})
	if err != nil {
		log.Printf("Error encoding server hello: %v", err)
		return
	}
	if err := conn.WriteJSON(serverHello); err != nil {
		log.Printf("Error sending server hello: %v", err)
		return
	}

	events := sess.Surface.Events()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		sess.Surface.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.forwardFeedback(ctx, sess, events)
	}()
	go func() {
		defer s.wg.Done()
		s.sessionWriter(ctx, sess)
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		s.handleSessionMessage(sess, msg)
	}
}

func (s *Server) reject(conn *websocket.Conn, code, message string) {
	msg, err := encode(TypeServerError, ServerError{Error: code, Message: message})
	if err != nil {
		return
	}
	conn.WriteJSON(msg)
}

func (s *Server) handleSessionMessage(sess *session, msg Message) {
	switch msg.Type {
	case TypeCommit:
		var c Commit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			log.Printf("Error decoding commit: %v", err)
			return
		}
		if c.WantFeedback {
			if err := sess.Surface.RequestFeedback(c.Seq); err != nil {
				log.Printf("Feedback request for seq %d failed: %v", c.Seq, err)
				return
			}
		}
		if err := sess.Surface.Commit(); err != nil {
			log.Printf("Commit failed for %s: %v", sess.Name, err)
			return
		}
		if s.config.Debug {
			log.Printf("[DEBUG] %s committed seq %d (feedback=%v)", sess.Name, c.Seq, c.WantFeedback)
		}
	default:
		log.Printf("Unknown message type from %s: %s", sess.Name, msg.Type)
	}
}

// forwardFeedback queues surface feedback for the session writer.
func (s *Server) forwardFeedback(ctx context.Context, sess *session, events <-chan feedback.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case fb, ok := <-events:
			if !ok {
				return
			}
			msg, err := encode(TypeFeedback, fb)
			if err != nil {
				log.Printf("Error encoding feedback: %v", err)
				continue
			}
			select {
			case sess.sendChan <- msg:
			default:
				log.Printf("Send queue full for %s, dropping feedback for seq %d", sess.Name, fb.Seq)
			}
		}
	}
}

// sessionWriter owns all writes after the handshake.
func (s *Server) sessionWriter(ctx context.Context, sess *session) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	const writeDeadline = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sess.sendChan:
			sess.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sess.Conn.WriteJSON(msg); err != nil {
				log.Printf("Error writing to %s: %v", sess.Name, err)
				return
			}
		case <-ticker.C:
			if err := sess.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}
