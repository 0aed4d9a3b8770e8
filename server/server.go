// Package server exposes the export engine over HTTP and pushes task
// events to WebSocket subscribers.
package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quenlab/qce/am"
	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/schedule"
	"github.com/quenlab/qce/sym"
	"github.com/quenlab/qce/task"
)

// MaxClients bounds concurrent WebSocket subscribers.
const MaxClients = 64

// Server owns the WebSocket hub and the HTTP API.
type Server struct {
	cfg       am.ServerConfig
	adapter   bridge.Adapter
	orch      *task.Orchestrator
	tasks     *task.Store
	schedules *schedule.Store
	exports   string
	logger    *zap.SugaredLogger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a server. exportsDir is served read-only under /exports/ so
// the downloadUrl in completion events resolves.
func New(cfg am.ServerConfig, adapter bridge.Adapter, orch *task.Orchestrator, tasks *task.Store, schedules *schedule.Store, exportsDir string, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		adapter:   adapter,
		orch:      orch,
		tasks:     tasks,
		schedules: schedules,
		exports:   exportsDir,
		logger:    logger,
		clients:   make(map[*Client]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetOrchestrator attaches the orchestrator. The server is constructed
// first so it can serve as the orchestrator's broadcaster.
func (s *Server) SetOrchestrator(orch *task.Orchestrator) {
	s.orch = orch
}

// checkOrigin accepts same-host connections and any configured origin.
// An empty allow-list admits everything; the service binds locally.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/groups", s.handleGroups)
	mux.HandleFunc("/api/friends", s.handleFriends)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleByID)
	mux.Handle("/exports/", http.StripPrefix("/exports/", http.FileServer(http.Dir(s.exports))))
	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	addr := "127.0.0.1:" + strconv.Itoa(s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("Server listening",
		"symbol", sym.WS,
		"addr", addr,
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http listen")
}

// Shutdown stops the listener and disconnects all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for client := range s.clients {
		client.close()
		delete(s.clients, client)
	}
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return errors.Wrap(err, "http shutdown")
}

// registerClient admits a new subscriber, enforcing the client cap.
func (s *Server) registerClient(client *Client) bool {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return false
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"symbol", sym.WS,
		"client_id", client.id,
		"total_clients", total,
	)
	return true
}

// unregisterClient drops a subscriber.
func (s *Server) unregisterClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		client.close()
	}
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Debugw("Client disconnected",
		"client_id", client.id,
		"total_clients", total,
	)
}
