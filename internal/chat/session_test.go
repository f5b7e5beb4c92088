package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbuy/shopchat/internal/assistant"
	"github.com/nbuy/shopchat/internal/auth"
	"github.com/nbuy/shopchat/internal/bus"
	"github.com/nbuy/shopchat/internal/contextcache"
	"github.com/nbuy/shopchat/internal/providers"
	"github.com/nbuy/shopchat/internal/transcript"
)

const secret = "test-secret"

// --- fakes ---

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	var m map[string]any
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		return err
	}
	c.frames = append(c.frames, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) all() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.frames...)
}

func (c *fakeConn) types() []string {
	var out []string
	for _, f := range c.all() {
		out = append(out, f["type"].(string))
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type fakeSource struct {
	delay    time.Duration
	products []contextcache.Product
	sales    []contextcache.SaleLine
	err      error
}

func (s *fakeSource) ProductStats(ctx context.Context) ([]contextcache.Product, error) {
	time.Sleep(s.delay)
	return s.products, s.err
}

func (s *fakeSource) SalesLines(ctx context.Context) ([]contextcache.SaleLine, error) {
	time.Sleep(s.delay)
	return s.sales, s.err
}

type scriptedGenerator struct {
	text  string
	err   error
	delay time.Duration
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, p providers.Prompt) (string, error) {
	time.Sleep(g.delay)
	return g.text, g.err
}

type memRecorder struct {
	mu      sync.Mutex
	open    map[string]bool
	closed  map[string]bool
	msgs    map[string][]transcript.Message
	failAll bool
}

func newMemRecorder() *memRecorder {
	return &memRecorder{open: map[string]bool{}, closed: map[string]bool{}, msgs: map[string][]transcript.Message{}}
}

func (r *memRecorder) Open(_ context.Context, info transcript.SessionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[info.ID] = true
	return nil
}

func (r *memRecorder) Append(_ context.Context, msg transcript.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errors.New("disk full")
	}
	if !r.open[msg.SessionID] {
		return transcript.ErrUnknownSession
	}
	r.msgs[msg.SessionID] = append(r.msgs[msg.SessionID], msg)
	return nil
}

func (r *memRecorder) Close(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[id] = true
	return nil
}

func (r *memRecorder) List(_ context.Context, id string) ([]transcript.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript.Message(nil), r.msgs[id]...), nil
}

// --- harness ---

type harness struct {
	bus      *bus.Bus
	recorder *memRecorder
	source   *fakeSource
	gen      *scriptedGenerator
	cfg      Config
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		bus:      bus.New(nil),
		recorder: newMemRecorder(),
		source: &fakeSource{
			products: []contextcache.Product{{ID: 1, Name: "Laptop", Price: decimal.RequireFromString("1299.99"), Stock: 8}},
			sales: []contextcache.SaleLine{
				{ID: 2, ProductName: "Laptop", Quantity: 1, UnitPrice: decimal.RequireFromString("1299.99"), Total: decimal.RequireFromString("1299.99")},
			},
		},
		gen: &scriptedGenerator{text: "Respuesta generada"},
	}
	h.cfg = Config{
		Validator: auth.NewValidator(secret),
		Responder: assistant.New(h.gen, assistant.WithTimeout(timeout)),
		Source:    h.source,
		Recorder:  h.recorder,
		Bus:       h.bus,
	}
	return h
}

func token(t *testing.T, subj auth.Subject) string {
	t.Helper()
	tok, err := auth.NewIssuer(secret, time.Hour).Issue(subj)
	require.NoError(t, err)
	return tok
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func (h *harness) authenticated(t *testing.T, connID string, subj auth.Subject) (*Session, *fakeConn) {
	t.Helper()
	conn := newConn(connID)
	s := NewSession(conn, h.cfg)
	s.Start()
	require.NoError(t, s.Submit(context.Background(), frame(t, map[string]string{"token": token(t, subj)})))
	require.Equal(t, StateAuthenticated, s.State())
	conn.reset()
	return s, conn
}

var ana = auth.Subject{ID: "7", Name: "Ana"}

// --- tests ---

func TestStart_Handshake(t *testing.T) {
	h := newHarness(t, time.Second)
	conn := newConn("c1")
	s := NewSession(conn, h.cfg)
	assert.Equal(t, StateConnecting, s.State())

	s.Start()
	assert.Equal(t, StateAwaitingAuth, s.State())
	frames := conn.all()
	require.Len(t, frames, 2)
	assert.Equal(t, TypeConnectionEstablished, frames[0]["type"])
	assert.Equal(t, s.ID(), frames[0]["session_id"])
	assert.Equal(t, TypeAuthRequired, frames[1]["type"])
	assert.Equal(t, 1, h.bus.Members(bus.SessionGroup(s.ID())))
}

func TestSubmit_InvalidJSON(t *testing.T) {
	h := newHarness(t, time.Second)
	conn := newConn("c1")
	s := NewSession(conn, h.cfg)
	s.Start()
	conn.reset()

	require.NoError(t, s.Submit(context.Background(), []byte("{not json")))
	frames := conn.all()
	require.Len(t, frames, 1)
	assert.Equal(t, TypeError, frames[0]["type"])
	assert.Equal(t, "Formato de mensaje inválido", frames[0]["message"])
	assert.Equal(t, StateAwaitingAuth, s.State())
	assert.False(t, conn.isClosed())
}

func TestAwaitingAuth_MessageRejected(t *testing.T) {
	h := newHarness(t, time.Second)
	conn := newConn("c1")
	s := NewSession(conn, h.cfg)
	s.Start()
	conn.reset()

	require.NoError(t, s.Submit(context.Background(), []byte(`{"message":"hi"}`)))
	assert.Equal(t, []string{TypeError}, conn.types())
	assert.Equal(t, "Token no proporcionado", conn.all()[0]["message"])
	assert.Equal(t, StateAwaitingAuth, s.State())
	assert.Empty(t, h.recorder.msgs)
}

func TestAuth_RecoverableFailures(t *testing.T) {
	h := newHarness(t, time.Second)
	conn := newConn("c1")
	s := NewSession(conn, h.cfg)
	s.Start()
	conn.reset()

	forged, err := auth.NewIssuer("other-secret", time.Hour).Issue(ana)
	require.NoError(t, err)

	for _, tok := range []string{"", "garbage", forged} {
		require.NoError(t, s.Submit(context.Background(), frame(t, map[string]string{"token": tok})))
		assert.Equal(t, StateAwaitingAuth, s.State())
	}
	assert.Equal(t, []string{TypeError, TypeError, TypeError}, conn.types())
	assert.False(t, conn.isClosed())

	// A valid token still works afterwards.
	require.NoError(t, s.Submit(context.Background(), frame(t, map[string]string{"token": token(t, ana)})))
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestAuth_Success(t *testing.T) {
	h := newHarness(t, time.Second)
	conn := newConn("c1")
	s := NewSession(conn, h.cfg)
	s.Start()
	conn.reset()

	require.NoError(t, s.Submit(context.Background(), frame(t, map[string]string{"token": token(t, auth.Subject{ID: "1", Name: "Root", IsAdmin: true})})))
	frames := conn.all()
	require.Len(t, frames, 1)
	assert.Equal(t, TypeAuthSuccess, frames[0]["type"])
	assert.Equal(t, true, frames[0]["is_admin"])
	assert.Contains(t, frames[0]["message"], "Root")

	id, ok := s.Identity()
	require.True(t, ok)
	assert.Equal(t, "1", id.UserID)
	assert.Equal(t, 0, h.bus.Members(bus.SessionGroup(s.ID())))
	assert.Equal(t, 1, h.bus.Members(bus.UserGroup("1")))
	assert.True(t, h.recorder.open[s.ID()])
}

func TestAuth_ExpiredClosesConnection(t *testing.T) {
	h := newHarness(t, time.Second)
	conn := newConn("c1")
	s := NewSession(conn, h.cfg)
	s.Start()
	conn.reset()

	expired, err := auth.NewIssuer(secret, time.Hour).IssueExpiring(ana, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.Submit(context.Background(), frame(t, map[string]string{"token": expired})))
	assert.Equal(t, []string{TypeError}, conn.types())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, conn.isClosed())

	// Later frames are ignored.
	assert.ErrorIs(t, s.Submit(context.Background(), frame(t, map[string]string{"token": token(t, ana)})), ErrClosed)
	assert.ErrorIs(t, s.Submit(context.Background(), []byte(`{"message":"hola"}`)), ErrClosed)
	assert.Len(t, conn.all(), 1)
	assert.Equal(t, 0, h.bus.Members(bus.SessionGroup(s.ID())))
}

func TestAuthenticated_EmptyMessage(t *testing.T) {
	h := newHarness(t, time.Second)
	s, conn := h.authenticated(t, "c1", ana)

	for _, raw := range []string{`{"message":""}`, `{"message":"   \n\t"}`, `{}`} {
		require.NoError(t, s.Submit(context.Background(), []byte(raw)))
		assert.Equal(t, StateAuthenticated, s.State())
	}
	assert.Equal(t, []string{TypeError, TypeError, TypeError}, conn.types())

	msgs, err := h.recorder.List(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAuthenticated_MessageFlow(t *testing.T) {
	h := newHarness(t, time.Second)
	s, conn := h.authenticated(t, "c1", ana)

	require.NoError(t, s.Submit(context.Background(), []byte(`{"message":"¿Qué precio tiene la laptop?"}`)))
	assert.Equal(t, StateAuthenticated, s.State())

	frames := conn.all()
	require.Len(t, frames, 3)

	assert.Equal(t, TypeChatMessage, frames[0]["type"])
	assert.Equal(t, "¿Qué precio tiene la laptop?", frames[0]["message"])
	assert.Equal(t, false, frames[0]["is_bot"])
	assert.Equal(t, "Ana", frames[0]["name"])

	assert.Equal(t, true, frames[1]["is_typing"])
	assert.Equal(t, true, frames[1]["is_bot"])

	assert.Equal(t, "Respuesta generada", frames[2]["message"])
	assert.Equal(t, true, frames[2]["is_bot"])
	assert.Equal(t, false, frames[2]["is_typing"])
	assert.Equal(t, DefaultBotName, frames[2]["name"])

	msgs, err := h.recorder.List(context.Background(), s.ID())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "7", msgs[0].UserID)
	assert.False(t, msgs[1].IsUser)
	assert.Equal(t, "Respuesta generada", msgs[1].Content)
}

func TestNoChatMessageBeforeAuthSuccess(t *testing.T) {
	h := newHarness(t, time.Second)

	// Another tab of the same user is already chatting.
	other, _ := h.authenticated(t, "tab-1", ana)

	conn := newConn("tab-2")
	s := NewSession(conn, h.cfg)
	s.Start()
	require.NoError(t, other.Submit(context.Background(), []byte(`{"message":"hola"}`)))
	require.NoError(t, s.Submit(context.Background(), []byte(`{"message":"hola"}`)))
	require.NoError(t, s.Submit(context.Background(), frame(t, map[string]string{"token": token(t, ana)})))
	require.NoError(t, other.Submit(context.Background(), []byte(`{"message":"¿sigues ahí?"}`)))

	seenAuth := false
	for _, f := range conn.all() {
		switch f["type"] {
		case TypeAuthSuccess:
			seenAuth = true
		case TypeChatMessage:
			assert.True(t, seenAuth, "chat_message before auth_success")
		}
	}
	assert.True(t, seenAuth)
	assert.Contains(t, conn.types(), TypeChatMessage)
}

func TestSales_SlowStoreYieldsTimeoutFallback(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.source.delay = 2 * time.Second
	s, conn := h.authenticated(t, "c1", ana)

	start := time.Now()
	require.NoError(t, s.Submit(context.Background(), []byte(`{"message":"¿Cómo van las ventas?"}`)))
	assert.Less(t, time.Since(start), time.Second)

	types := conn.types()
	assert.NotContains(t, types, TypeError)
	frames := conn.all()
	require.Len(t, frames, 3)
	assert.Equal(t, assistant.DefaultTemplates().Fallbacks.Timeout, frames[2]["message"])
	assert.Equal(t, true, frames[2]["is_bot"])
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestSales_GeneratorFailureHidden(t *testing.T) {
	h := newHarness(t, time.Second)
	h.gen.err = errors.New("upstream 500: internal trace")
	s, conn := h.authenticated(t, "c1", ana)

	require.NoError(t, s.Submit(context.Background(), []byte(`{"message":"ventas de hoy"}`)))
	frames := conn.all()
	require.Len(t, frames, 3)
	assert.Equal(t, assistant.DefaultTemplates().Fallbacks.Error, frames[2]["message"])
	assert.NotContains(t, frames[2]["message"], "trace")
}

func TestAnswerPersistenceFailureStillDelivers(t *testing.T) {
	h := newHarness(t, time.Second)
	s, conn := h.authenticated(t, "c1", ana)
	h.recorder.mu.Lock()
	h.recorder.failAll = true
	h.recorder.mu.Unlock()

	require.NoError(t, s.Submit(context.Background(), []byte(`{"message":"hola"}`)))
	frames := conn.all()
	require.Len(t, frames, 3)
	assert.Equal(t, "Respuesta generada", frames[2]["message"])
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestDisconnect_LeavesGroup(t *testing.T) {
	h := newHarness(t, time.Second)
	s1, c1 := h.authenticated(t, "tab-1", ana)
	s2, c2 := h.authenticated(t, "tab-2", ana)
	assert.Equal(t, 2, h.bus.Members(bus.UserGroup("7")))

	s1.Disconnect()
	s1.Disconnect() // idempotent
	assert.Equal(t, StateClosed, s1.State())
	assert.Equal(t, 1, h.bus.Members(bus.UserGroup("7")))
	assert.True(t, h.recorder.closed[s1.ID()])

	require.NoError(t, s2.Submit(context.Background(), []byte(`{"message":"hola"}`)))
	assert.Empty(t, c1.all())
	assert.Len(t, c2.all(), 3)
}

func TestDisconnect_DuringProcessing(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.gen.delay = 500 * time.Millisecond
	s, conn := h.authenticated(t, "c1", ana)

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), []byte(`{"message":"hola"}`)) }()

	require.Eventually(t, func() bool { return s.State() == StateProcessing }, time.Second, 5*time.Millisecond)
	s.Disconnect()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("submit did not return after disconnect")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, h.bus.Members(bus.UserGroup("7")))

	// Only the echo and typing frames; the late answer is discarded.
	time.Sleep(600 * time.Millisecond)
	assert.Len(t, conn.all(), 2)
	msgs, _ := h.recorder.List(context.Background(), s.ID())
	assert.Len(t, msgs, 1)
}

func TestOfflineGreeting(t *testing.T) {
	h := newHarness(t, time.Second)
	h.cfg.Responder = assistant.New(nil)
	s, conn := h.authenticated(t, "c1", ana)

	require.NoError(t, s.Submit(context.Background(), []byte(`{"message":"buenas"}`)))
	frames := conn.all()
	require.Len(t, frames, 3)
	assert.Contains(t, frames[2]["message"], "Hola Ana")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_auth", StateAwaitingAuth.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestAccept_QueuedMessageGetsTypingImmediately(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.gen.delay = 400 * time.Millisecond
	s, conn := h.authenticated(t, "c1", ana)

	first := []byte(`{"message":"uno"}`)
	second := []byte(`{"message":"dos"}`)

	s.Accept(first)
	assert.Empty(t, conn.all(), "an idle session announces typing from Submit")

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Submit(context.Background(), first))
		assert.NoError(t, s.Submit(context.Background(), second))
	}()
	require.Eventually(t, func() bool { return len(conn.all()) == 2 }, time.Second, 5*time.Millisecond)

	s.Accept(second)
	frames := conn.all()
	require.Len(t, frames, 3)
	assert.Equal(t, true, frames[2]["is_typing"])
	assert.Equal(t, true, frames[2]["is_bot"])

	<-done
	// echo, typing, queued typing, answer, then the second message's echo, typing, answer
	frames = conn.all()
	require.Len(t, frames, 7)
	assert.Equal(t, "Respuesta generada", frames[3]["message"])
	assert.Equal(t, "dos", frames[4]["message"])
	assert.Equal(t, "Respuesta generada", frames[6]["message"])
}

func TestAccept_IgnoresFramesThatAreNotMessages(t *testing.T) {
	h := newHarness(t, time.Second)
	s, conn := h.authenticated(t, "c1", ana)

	s.Accept([]byte(`not json`))
	s.Accept([]byte(`{"message":"   "}`))
	s.Accept([]byte(`{"token":"abc"}`))
	s.Accept([]byte(`{"message":"hola"}`))
	assert.Empty(t, conn.all())

	// Nothing is announced before authentication.
	c2 := newConn("c2")
	pending := NewSession(c2, h.cfg)
	pending.Start()
	pending.Accept([]byte(`{"message":"hola"}`))
	pending.Accept([]byte(`{"message":"hola"}`))
	assert.Equal(t, []string{TypeConnectionEstablished, TypeAuthRequired}, c2.types())
}

func TestSubmit_WhileProcessingReportsAlreadyWorking(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.gen.delay = 300 * time.Millisecond
	s, conn := h.authenticated(t, "c1", ana)

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), []byte(`{"message":"uno"}`)) }()
	require.Eventually(t, func() bool { return s.State() == StateProcessing }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Submit(context.Background(), []byte(`{"message":"dos"}`)))
	require.NoError(t, <-done)

	var errs []string
	for _, f := range conn.all() {
		if f["type"] == TypeError {
			errs = append(errs, f["message"].(string))
		}
	}
	assert.Equal(t, []string{textAlreadyWorking}, errs)

	msgs, _ := h.recorder.List(context.Background(), s.ID())
	assert.Len(t, msgs, 2)
}
