// Package dashboard serves the register's sync state to local monitoring
// clients.
//
// Connected WebSocket clients receive a message whenever the sync status
// changes, when a pass completes and when the outbox counts move. Plain HTTP
// endpoints expose the same state for probes and Prometheus.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cashpoint/posync/internal/store/outbox"
	"github.com/cashpoint/posync/internal/sync"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeSyncStatus carries a sync.Status snapshot.
	MessageTypeSyncStatus MessageType = "sync_status"

	// MessageTypeOutboxStats carries outbox.Stats.
	MessageTypeOutboxStats MessageType = "outbox_stats"

	// MessageTypeSyncComplete is sent when a pass ends without error.
	MessageTypeSyncComplete MessageType = "sync_complete"
)

// Message is a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncCompleteData describes a finished pass.
type SyncCompleteData struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Pending    int        `json:"pending"`
	Exhausted  int        `json:"exhausted"`
}

// StatusSource is the coordinator as seen by the dashboard.
type StatusSource interface {
	Status() sync.Status
	Observe(fn func(sync.Status))
}

// QueueSource reports outbox counts.
type QueueSource interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8787". Port 0 picks a free port.
	Addr string

	// Gatherer backs /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server manages WebSocket clients and the HTTP endpoints.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	mux      *http.ServeMux

	status StatusSource
	queue  QueueSource

	clients   map[*websocket.Conn]bool
	clientsMu gosync.RWMutex

	broadcast    chan Message
	statsRequest chan struct{}
	syncing      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	log *slog.Logger
}

// NewServer creates a server and subscribes it to status changes.
func NewServer(cfg Config, status StatusSource, queue QueueSource) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:         cfg.Addr,
		status:       status,
		queue:        queue,
		clients:      make(map[*websocket.Conn]bool),
		broadcast:    make(chan Message, 100),
		statsRequest: make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		log:          cfg.Logger.With("component", "dashboard"),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	status.Observe(s.onStatus)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.statsLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("dashboard listening", slog.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.log.Info("dashboard stopped")
	return err
}

// Broadcast queues msg for every client. Messages are dropped when the
// queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn("broadcast queue full, dropping message", slog.String("type", string(msg.Type)))
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Error("failed to marshal message", slog.String("error", err.Error()))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.log.Debug("failed to send to client", slog.String("error", err.Error()))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleWebSocket upgrades the connection, sends the current status and
// keeps the client registered until it goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	welcome, err := newMessage(MessageTypeSyncStatus, s.status.Status())
	if err == nil {
		data, _ := json.Marshal(welcome)
		if err := s.write(conn, data); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "")
			return
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug("client connected", slog.Int("clients", n))

	defer s.removeClient(conn)
	for {
		// clients only listen; reading notices disconnects
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	n := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Debug("client disconnected", slog.Int("clients", n))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"online":  st.Online,
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sync":   s.status.Status(),
		"outbox": stats,
	})
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
