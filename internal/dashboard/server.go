// Package dashboard serves a real-time WebSocket feed of sync activity.
//
// Connected clients receive a status snapshot on connect, then a
// message after every sync run and whenever the local cache counts
// change. The feed is observational only; clients cannot mutate
// records through it.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tidemark-app/tidemark/internal/engine"
	"github.com/tidemark-app/tidemark/internal/record"
	"github.com/tidemark-app/tidemark/internal/store"
)

// MessageType tags a feed message.
type MessageType string

const (
	// MessageTypeStatus carries cache counts and sync freshness.
	MessageTypeStatus MessageType = "status"

	// MessageTypeSyncComplete reports one finished sync run.
	MessageTypeSyncComplete MessageType = "sync_complete"
)

// Message is one feed frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusData is the cache-and-freshness snapshot.
type StatusData struct {
	Records      int            `json:"records"`
	ByStatus     map[string]int `json:"by_status"`
	Pending      int            `json:"pending"`
	Conflicts    int            `json:"conflicts"`
	Syncing      bool           `json:"syncing"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty"`
}

// SyncCompleteData summarizes one sync run.
type SyncCompleteData struct {
	Fetched    int    `json:"fetched"`
	Applied    int    `json:"applied"`
	Conflicts  int    `json:"conflicts"`
	Pushed     int    `json:"pushed"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. 0 picks a free port.
	Port int

	// Logger for server activity. Nil gets a default writing to stderr.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   7317,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server manages WebSocket clients and fans out feed messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store  *store.Store
	engine *engine.Engine

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server over the given store and engine.
// The engine may be nil, in which case sync_complete frames are never
// produced and status frames report syncing=false.
func NewServer(st *store.Store, e *engine.Engine, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		store:     st,
		engine:    e,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}

	if e != nil {
		e.OnSyncComplete(s.onSyncComplete)
	}
	return s
}

// Start begins listening and serving the feed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down, closing every client connection.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the listening address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// onSyncComplete turns an engine summary into feed frames.
func (s *Server) onSyncComplete(summary engine.Summary) {
	data := SyncCompleteData{
		Fetched:    summary.Fetched,
		Applied:    summary.Applied,
		Conflicts:  summary.Conflicts,
		Pushed:     summary.Pushed,
		Failed:     summary.Failed,
		DurationMS: summary.Duration.Milliseconds(),
	}
	if summary.LastError != nil {
		data.Error = summary.LastError.Error()
	}
	s.send(MessageTypeSyncComplete, data)
	s.send(MessageTypeStatus, s.statusSnapshot())
}

// send queues a frame, dropping it if the feed is backed up. The feed
// is advisory; a dropped frame is superseded by the next one.
func (s *Server) send(typ MessageType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("failed to marshal %s frame: %v", typ, err)
		return
	}
	msg := Message{Type: typ, Timestamp: time.Now(), Data: payload}

	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("WARNING: broadcast channel full, dropping %s frame", typ)
	}
}

func (s *Server) statusSnapshot() StatusData {
	data := StatusData{ByStatus: map[string]int{}}

	counts, err := s.store.Counts()
	if err != nil {
		s.logger.Printf("failed to read counts: %v", err)
		return data
	}
	for status, n := range counts {
		data.ByStatus[string(status)] = n
		data.Records += n
		if status.Pending() {
			data.Pending += n
		}
		if status == record.StatusConflict {
			data.Conflicts += n
		}
	}

	if s.engine != nil {
		data.Syncing = s.engine.IsSyncing()
		if at := s.engine.LastSyncedAt(); !at.IsZero() {
			data.LastSyncedAt = &at
		}
	}
	return data
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
				s.logger.Printf("failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total: %d)", count)

	// Status snapshot straight to the new client so it never starts
	// from a blank screen.
	welcome := Message{Type: MessageTypeStatus, Timestamp: time.Now()}
	if payload, err := json.Marshal(s.statusSnapshot()); err == nil {
		welcome.Data = payload
	}
	if data, err := json.Marshal(welcome); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop drains client frames so pings are answered; the feed is
// one-way otherwise.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", count)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Tidemark Sync Feed</title>
</head>
<body>
    <h1>Tidemark Sync Feed</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to follow sync activity in real time.</p>
</body>
</html>`, r.Host)
}
