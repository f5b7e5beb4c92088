// Package chat implements the per-connection assistant session: handshake,
// token authentication, message dispatch and teardown.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nbuy/shopchat/internal/assistant"
	"github.com/nbuy/shopchat/internal/auth"
	"github.com/nbuy/shopchat/internal/bus"
	"github.com/nbuy/shopchat/internal/contextcache"
	"github.com/nbuy/shopchat/internal/intent"
	"github.com/nbuy/shopchat/internal/transcript"
	"github.com/nbuy/shopchat/internal/utils"
)

// DefaultBotName is the sender name of assistant frames.
const DefaultBotName = "Buy n Large"

// ErrClosed is returned by Submit once the session is closed.
var ErrClosed = errors.New("chat: session closed")

// State is a session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is the transport under a session. Send must be safe for concurrent use.
type Conn interface {
	bus.Listener
	Close() error
}

// Config holds the collaborators shared by all sessions.
type Config struct {
	Validator auth.TokenValidator
	Responder assistant.Responder
	// Source backs the per-session context cache.
	Source       contextcache.Source
	CacheOptions []contextcache.Option
	Recorder     transcript.Recorder // nil discards transcripts
	Bus          *bus.Bus
	BotName      string
	Logger       *zap.Logger
	Now          func() time.Time
}

// Session is the state of one connection. Submit calls must be sequential;
// Accept and Disconnect may be called from any goroutine.
type Session struct {
	id        string
	conn      Conn
	cfg       Config
	cache     *contextcache.Cache
	logger    *zap.Logger
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	identity auth.Identity
	group    string
	opened   bool // transcript session opened

	queued atomic.Int32 // accepted chat messages not yet answered
}

// NewSession creates a session in the Connecting state.
func NewSession(conn Conn, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = transcript.Discard{}
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New(cfg.Logger)
	}
	if cfg.BotName == "" {
		cfg.BotName = DefaultBotName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.Named("chat").With(zap.String("session", id))
	return &Session{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		cache:     contextcache.New(cfg.Source, append([]contextcache.Option{contextcache.WithLogger(logger)}, cfg.CacheOptions...)...),
		logger:    logger,
		createdAt: cfg.Now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated identity, if any.
func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.state == StateAuthenticated || s.state == StateProcessing
}

// Start joins the session group and greets the client.
func (s *Session) Start() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.group = bus.SessionGroup(s.id)
	s.cfg.Bus.Join(s.group, s.conn)
	s.state = StateAwaitingAuth
	s.mu.Unlock()

	s.direct(TypeConnectionEstablished, ConnectionEstablished{
		Type:      TypeConnectionEstablished,
		SessionID: s.id,
		Message:   "Conectado al asistente de " + s.cfg.BotName,
	})
	s.direct(TypeAuthRequired, AuthRequired{Type: TypeAuthRequired, Message: textAuthRequired})
	s.logger.Info("session started")
}

// Accept is called by the transport for each frame before it is queued for
// Submit. A chat message that arrives while an earlier one is still waiting
// or being answered gets the typing indicator right away.
func (s *Session) Accept(raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Message == nil || strings.TrimSpace(*in.Message) == "" {
		return
	}
	if st := s.State(); st != StateAuthenticated && st != StateProcessing {
		return
	}
	if s.queued.Add(1) > 1 {
		s.direct(TypeChatMessage, s.typing())
	}
}

// settle marks one accepted message as answered.
func (s *Session) settle() {
	for {
		n := s.queued.Load()
		if n <= 0 || s.queued.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Submit handles one raw client frame. Protocol problems are reported to the
// client as error frames and return nil. Returns ErrClosed after teardown.
// A caller that submits while a message is still being answered gets the
// already-working error frame.
func (s *Session) Submit(ctx context.Context, raw []byte) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	release := context.AfterFunc(s.ctx, stop)
	defer release()

	state := s.State()
	if state == StateClosed {
		return ErrClosed
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		s.logger.Debug("invalid frame", zap.Error(err), zap.String("raw", utils.TruncateString(string(raw), 100, "...")))
		s.sendError(textInvalidFormat)
		return nil
	}

	switch state {
	case StateAwaitingAuth:
		s.authenticate(ctx, in)
	case StateAuthenticated:
		s.handleMessage(ctx, in)
	case StateProcessing:
		s.sendError(textAlreadyWorking)
	default:
		s.sendError(textInternal)
	}
	return nil
}

func (s *Session) authenticate(ctx context.Context, in Inbound) {
	if in.Token == nil {
		s.sendError(auth.Describe(auth.ErrMissingCredential))
		return
	}

	id, err := s.cfg.Validator.Validate(ctx, *in.Token)
	if err != nil {
		s.logger.Info("authentication failed", zap.Error(err), zap.Bool("fatal", auth.IsFatal(err)))
		s.sendError(auth.Describe(err))
		if auth.IsFatal(err) {
			s.Disconnect()
			if cerr := s.conn.Close(); cerr != nil {
				s.logger.Debug("close connection", zap.Error(cerr))
			}
		}
		return
	}

	s.mu.Lock()
	if s.state != StateAwaitingAuth {
		s.mu.Unlock()
		return
	}
	s.state = StateAuthenticated
	s.identity = id
	s.mu.Unlock()

	if err := s.cfg.Recorder.Open(ctx, transcript.SessionInfo{
		ID:        s.id,
		UserID:    id.UserID,
		CreatedAt: s.createdAt,
		Active:    true,
	}); err != nil {
		s.logger.Error("open transcript", zap.Error(err))
	} else {
		s.mu.Lock()
		s.opened = true
		s.mu.Unlock()
	}

	name := displayName(id)
	s.direct(TypeAuthSuccess, AuthSuccess{
		Type:    TypeAuthSuccess,
		Message: fmt.Sprintf("Bienvenido al chat de %s, %s", s.cfg.BotName, name),
		IsAdmin: id.IsAdmin,
	})

	// Join the user group only after auth_success went out so no chat_message
	// from another tab can overtake it.
	s.mu.Lock()
	if s.state != StateClosed {
		to := bus.UserGroup(id.UserID)
		s.cfg.Bus.Move(s.group, to, s.conn)
		s.group = to
	}
	s.mu.Unlock()

	s.logger.Info("session authenticated", zap.String("user", id.UserID), zap.Bool("admin", id.IsAdmin))
}

func (s *Session) handleMessage(ctx context.Context, in Inbound) {
	var text string
	if in.Message != nil {
		text = strings.TrimSpace(*in.Message)
	}
	if text == "" {
		s.sendError(textEmptyMessage)
		return
	}
	defer s.settle()

	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return
	}
	s.state = StateProcessing
	id := s.identity
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateProcessing {
			s.state = StateAuthenticated
		}
		s.mu.Unlock()
	}()

	s.record(ctx, text, true)
	s.broadcast(ctx, ChatMessage{Type: TypeChatMessage, Message: text, Name: displayName(id)})
	s.broadcast(ctx, s.typing())

	kind := intent.Classify(text)
	s.logger.Debug("processing message",
		zap.String("intent", kind.String()),
		zap.String("preview", utils.TruncateString(text, 50, "...")))

	reply, err := s.cfg.Responder.Respond(ctx, assistant.Request{
		Identity: id,
		Intent:   kind,
		Message:  text,
		Load:     s.loader(kind),
	})
	if err != nil {
		s.logger.Info("answer abandoned", zap.Error(err))
		return
	}
	if s.State() == StateClosed {
		return
	}
	if reply.Fallback != assistant.FallbackNone {
		s.logger.Info("fallback reply", zap.String("fallback", reply.Fallback.String()), zap.Duration("latency", reply.Latency))
	}

	s.record(ctx, reply.Text, false)
	s.broadcast(ctx, ChatMessage{Type: TypeChatMessage, Message: reply.Text, IsBot: true, Name: s.cfg.BotName})
}

// loader gathers the store data an intent needs.
func (s *Session) loader(kind intent.Intent) func(context.Context) assistant.Snapshot {
	if s.cfg.Source == nil {
		return nil
	}
	return assistant.CacheLoader(s.cache, kind, s.logger)
}

// Disconnect closes the session. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateClosed
	group := s.group
	opened := s.opened
	s.mu.Unlock()

	s.cancel()
	if group != "" {
		s.cfg.Bus.Leave(group, s.conn.ID())
	}
	s.cache.Invalidate()

	if opened {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Recorder.Close(ctx, s.id); err != nil {
			s.logger.Error("close transcript", zap.Error(err))
		}
	}
	s.logger.Info("session closed", zap.String("from", prev.String()))
}

// record persists a transcript line. Failures are logged only.
func (s *Session) record(ctx context.Context, text string, isUser bool) {
	s.mu.Lock()
	opened := s.opened
	userID := s.identity.UserID
	s.mu.Unlock()
	if !opened {
		s.logger.Warn("transcript not open, message not persisted", zap.Bool("user", isUser))
		return
	}
	err := s.cfg.Recorder.Append(context.WithoutCancel(ctx), transcript.Message{
		SessionID: s.id,
		UserID:    userID,
		Content:   text,
		IsUser:    isUser,
		CreatedAt: s.cfg.Now(),
	})
	if err != nil {
		s.logger.Error("persist message", zap.Error(err), zap.Bool("user", isUser))
	}
}

// direct sends a frame to this connection only.
func (s *Session) direct(typ string, frame any) {
	ev, err := bus.NewEvent(typ, frame)
	if err != nil {
		s.logger.Error("encode frame", zap.Error(err))
		return
	}
	if err := s.conn.Send(ev); err != nil {
		s.logger.Debug("send frame", zap.String("type", typ), zap.Error(err))
	}
}

func (s *Session) typing() ChatMessage {
	return ChatMessage{Type: TypeChatMessage, IsBot: true, Name: s.cfg.BotName, IsTyping: true}
}

func (s *Session) sendError(text string) {
	s.direct(TypeError, ErrorFrame{Type: TypeError, Message: text})
}

// broadcast publishes a chat frame to the session's current group.
func (s *Session) broadcast(ctx context.Context, frame ChatMessage) {
	s.mu.Lock()
	group := s.group
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}
	ev, err := bus.NewEvent(TypeChatMessage, frame)
	if err != nil {
		s.logger.Error("encode frame", zap.Error(err))
		return
	}
	n := s.cfg.Bus.Publish(ctx, group, ev)
	s.logger.Debug("broadcast", zap.String("group", group), zap.Int("delivered", n), zap.Bool("typing", frame.IsTyping))
}

func displayName(id auth.Identity) string {
	if name := strings.TrimSpace(id.Name); name != "" {
		return name
	}
	return assistant.DefaultName
}
