// Package gateway serves the assistant chat over WebSocket, plus health and
// status endpoints, with a keepalive heartbeat on every socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nbuy/shopchat/internal/bus"
	"github.com/nbuy/shopchat/internal/chat"
	"github.com/nbuy/shopchat/internal/lane"
)

// Defaults for the keepalive heartbeat.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	writeTimeout        = 10 * time.Second
	maxFrameBytes       = 64 << 10
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CatalogCounter reports the catalog size. Optional on the Store.
type CatalogCounter interface {
	CatalogCounts(ctx context.Context) (products, sales int, err error)
}

// RelayStatus reports whether the cross-instance relay is connected.
type RelayStatus interface {
	Available() bool
}

// Namer names the configured text generator.
type Namer interface {
	Name() string
}

// ServerConfig configures the gateway Server.
type ServerConfig struct {
	Host           string
	Port           int
	APIKey         string
	InstanceID     string
	AllowedOrigins []string // empty allows every origin
	PingInterval   time.Duration
	ReadTimeout    time.Duration

	Chat      chat.Config
	Lanes     *lane.Manager // created when nil
	Store     Pinger
	Relay     RelayStatus
	Generator Namer
	Logger    *zap.Logger
}

// Server is the chat gateway HTTP server.
type Server struct {
	cfg       ServerConfig
	chat      chat.Config
	lanes     *lane.Manager
	ownLanes  bool
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	startTime time.Time

	wsMu    sync.Mutex
	wsConns map[*wsConn]*chat.Session

	totalConns  atomic.Int64
	totalFrames atomic.Int64
	answers     *answerMetrics

	mux *http.ServeMux
	srv *http.Server
}

// NewServer creates a gateway server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Chat.Logger == nil {
		cfg.Chat.Logger = cfg.Logger
	}
	if cfg.Chat.Bus == nil {
		cfg.Chat.Bus = bus.New(cfg.Logger)
	}

	s := &Server{
		cfg:       cfg,
		chat:      cfg.Chat,
		lanes:     cfg.Lanes,
		logger:    cfg.Logger.Named("gateway"),
		startTime: time.Now(),
		wsConns:   make(map[*wsConn]*chat.Session),
		answers:   newAnswerMetrics(),
		mux:       http.NewServeMux(),
	}
	if s.chat.Responder != nil {
		s.chat.Responder = &meteredResponder{next: s.chat.Responder, metrics: s.answers}
	}
	if s.lanes == nil {
		s.lanes = lane.NewManager(lane.ManagerConfig{Logger: cfg.Logger})
		s.ownLanes = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws/chat/", s.handleWS)
	s.mux.HandleFunc("/ws/chat", s.handleWS)
	s.mux.HandleFunc("/api/status", s.withAuth(s.handleStatus))
	return s
}

// Handler exposes the routes, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Bus returns the broadcast bus sessions publish to.
func (s *Server) Bus() *bus.Bus { return s.chat.Bus }

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Start serves until ctx is cancelled, then closes every socket and shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("listening",
		zap.String("http", "http://"+s.Addr()),
		zap.String("ws", "ws://"+s.Addr()+"/ws/chat/"))

	go s.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		s.closeAllWS()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop releases the lanes owned by the server.
func (s *Server) Stop() {
	s.closeAllWS()
	if s.ownLanes {
		s.lanes.Stop()
	}
}

// --- Auth middleware ---

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":     "ok",
		"instanceId": s.cfg.InstanceID,
		"uptime":     int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, authenticated := s.sessionCounts()
	status := map[string]any{
		"instanceId":    s.cfg.InstanceID,
		"uptime":        int(time.Since(s.startTime).Seconds()),
		"connections":   sessions,
		"authenticated": authenticated,
		"totalConns":    s.totalConns.Load(),
		"totalFrames":   s.totalFrames.Load(),
		"lanes":         s.lanes.Stats(),
		"groups":        s.chat.Bus.Stats(),
		"answers":       s.answers.snapshot(),
	}
	if s.cfg.Generator != nil {
		status["generator"] = s.cfg.Generator.Name()
	}
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		storeStatus := "ok"
		if err := s.cfg.Store.Ping(ctx); err != nil {
			storeStatus = "unavailable"
			s.logger.Warn("store ping", zap.Error(err))
		}
		status["store"] = storeStatus
		if cc, ok := s.cfg.Store.(CatalogCounter); ok && storeStatus == "ok" {
			if products, sales, err := cc.CatalogCounts(ctx); err == nil {
				status["catalog"] = map[string]int{"products": products, "sales": sales}
			} else {
				s.logger.Warn("catalog counts", zap.Error(err))
			}
		}
	}
	if s.cfg.Relay != nil {
		status["relay"] = s.cfg.Relay.Available()
	}
	writeJSON(w, status)
}

func (s *Server) sessionCounts() (total, authenticated int) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for _, sess := range s.wsConns {
		total++
		if _, ok := sess.Identity(); ok {
			authenticated++
		}
	}
	return total, authenticated
}

// --- WebSocket ---

// handleWS runs one chat connection.
//
// Protocol:
//
//	client → server:  {"token": "..."}   once, before authentication
//	client → server:  {"message": "..."} any number of times afterwards
//	server → client:  connection_established, auth_required, auth_success,
//	                  chat_message, error
//
// The read loop only enqueues frames on the session lane; processing happens
// on the lane worker so a slow answer never blocks reads or pongs.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.String("peer", r.RemoteAddr), zap.Error(err))
		return
	}
	raw.SetReadLimit(maxFrameBytes)

	conn := newWSConn(raw)
	session := chat.NewSession(conn, s.chat)
	peer := r.RemoteAddr
	logger := s.logger.With(zap.String("session", session.ID()), zap.String("peer", peer))

	s.wsMu.Lock()
	s.wsConns[conn] = session
	s.wsMu.Unlock()
	s.totalConns.Add(1)
	logger.Info("connected")

	defer func() {
		session.Disconnect()
		s.lanes.Remove(session.ID())
		conn.Close()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		logger.Info("disconnected")
	}()

	session.Start()

	raw.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		msgType, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !conn.isClosed() {
				logger.Debug("read error", zap.Error(err))
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		s.totalFrames.Add(1)

		session.Accept(message)
		err = s.lanes.Enqueue(r.Context(), session.ID(), func(ctx context.Context) {
			if err := session.Submit(ctx, message); err != nil && !errors.Is(err, chat.ErrClosed) {
				logger.Warn("submit", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("enqueue frame", zap.Error(err))
			if errors.Is(err, lane.ErrTooManyLanes) || errors.Is(err, lane.ErrStopped) {
				conn.closeWith(websocket.CloseTryAgainLater, "server busy")
				return
			}
		}
	}
}

// heartbeatLoop pings every socket on the configured interval.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingAll()
		}
	}
}

// pingAll sends a WS ping to every connection and closes the ones that fail.
func (s *Server) pingAll() {
	s.wsMu.Lock()
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()

	for _, c := range conns {
		if err := c.ping(); err != nil {
			s.logger.Debug("ping failed, closing", zap.String("conn", c.ID()), zap.Error(err))
			c.Close()
		}
	}
}

// closeAllWS closes every socket (called on shutdown). The read loops then
// exit and tear their sessions down.
func (s *Server) closeAllWS() {
	s.wsMu.Lock()
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}

// WSConnectionCount returns the number of open sockets.
func (s *Server) WSConnectionCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
