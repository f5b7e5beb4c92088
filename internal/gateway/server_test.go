package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbuy/shopchat/internal/assistant"
	"github.com/nbuy/shopchat/internal/auth"
	"github.com/nbuy/shopchat/internal/bus"
	"github.com/nbuy/shopchat/internal/chat"
	"github.com/nbuy/shopchat/internal/providers"
	"github.com/nbuy/shopchat/internal/store"
)

const testSecret = "gateway-secret"

type slowGenerator struct {
	text  string
	delay time.Duration
}

func (g *slowGenerator) Name() string { return "slow" }

func (g *slowGenerator) Generate(ctx context.Context, _ providers.Prompt) (string, error) {
	select {
	case <-time.After(g.delay):
		return g.text, nil
	case <-ctx.Done():
		return "", providers.ErrTimeout
	}
}

type env struct {
	server *Server
	http   *httptest.Server
	store  *store.Store
	userID string
}

func newEnv(t *testing.T, gen providers.Generator, timeout time.Duration) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "shop.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	uid, err := st.UpsertUser(ctx, "ana@nbuy.local", "Ana", false)
	require.NoError(t, err)
	pid, err := st.AddProduct(ctx, store.NewProduct{Name: "Monitor 27", Category: "Monitores", Price: decimal.RequireFromString("349.90")})
	require.NoError(t, err)
	require.NoError(t, st.SetStock(ctx, pid, 12))

	s := NewServer(ServerConfig{
		APIKey:     "status-key",
		InstanceID: "test-instance",
		Chat: chat.Config{
			Validator: auth.NewValidator(testSecret, auth.WithDirectory(st)),
			Responder: assistant.New(gen, assistant.WithTimeout(timeout)),
			Source:    st,
			Recorder:  st.Transcripts(),
		},
		Store: st,
	})
	t.Cleanup(s.Stop)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &env{server: s, http: hs, store: st, userID: strconv.FormatInt(uid, 10)}
}

func (e *env) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/chat/"
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *env) token(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	iss := auth.NewIssuer(testSecret, time.Hour)
	var (
		tok string
		err error
	)
	if expiresAt.IsZero() {
		tok, err = iss.Issue(auth.Subject{ID: e.userID})
	} else {
		tok, err = iss.IssueExpiring(auth.Subject{ID: e.userID}, expiresAt)
	}
	require.NoError(t, err)
	return tok
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

// handshake reads the greeting and authenticates.
func (e *env) handshake(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	hello := read(t, c)
	require.Equal(t, chat.TypeConnectionEstablished, hello["type"])
	require.Equal(t, chat.TypeAuthRequired, read(t, c)["type"])
	send(t, c, map[string]string{"token": e.token(t, time.Time{})})
	ok := read(t, c)
	require.Equal(t, chat.TypeAuthSuccess, ok["type"])
	return hello["session_id"].(string)
}

// --- HTTP ---

func TestHandleHealth(t *testing.T) {
	e := newEnv(t, nil, time.Second)
	resp, err := http.Get(e.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-instance", body["instanceId"])
}

func TestHandleStatus_NoAuth(t *testing.T) {
	e := newEnv(t, nil, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleStatus_WithAuth(t *testing.T) {
	e := newEnv(t, nil, time.Second)
	c := e.dial(t)
	e.handshake(t, c)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer status-key")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, float64(1), body["connections"])
	assert.Equal(t, float64(1), body["authenticated"])
	assert.Equal(t, "ok", body["store"])
	answers, ok := body["answers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), answers["generated"])
	catalog, ok := body["catalog"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), catalog["products"])
	assert.Equal(t, float64(0), catalog["sales"])
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(ServerConfig{AllowedOrigins: []string{"https://shop.example"}})
	defer s.Stop()

	r := httptest.NewRequest(http.MethodGet, "/ws/chat/", nil)
	r.Header.Set("Origin", "https://shop.example")
	assert.True(t, s.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.checkOrigin(r))
}

// --- WebSocket ---

func TestWS_FullConversation(t *testing.T) {
	e := newEnv(t, &slowGenerator{text: "Quedan 12 monitores."}, time.Second)
	c := e.dial(t)

	hello := read(t, c)
	assert.Equal(t, chat.TypeConnectionEstablished, hello["type"])
	sid, _ := hello["session_id"].(string)
	assert.NotEmpty(t, sid)
	assert.Equal(t, chat.TypeAuthRequired, read(t, c)["type"])

	// Messages before authentication are rejected.
	send(t, c, map[string]string{"message": "hi"})
	errFrame := read(t, c)
	assert.Equal(t, chat.TypeError, errFrame["type"])

	send(t, c, map[string]string{"token": e.token(t, time.Time{})})
	ok := read(t, c)
	assert.Equal(t, chat.TypeAuthSuccess, ok["type"])
	assert.Equal(t, false, ok["is_admin"])
	assert.Contains(t, ok["message"], "Ana")

	send(t, c, map[string]string{"message": "¿Hay stock disponible?"})
	echo := read(t, c)
	assert.Equal(t, chat.TypeChatMessage, echo["type"])
	assert.Equal(t, false, echo["is_bot"])
	typing := read(t, c)
	assert.Equal(t, true, typing["is_typing"])
	answer := read(t, c)
	assert.Equal(t, "Quedan 12 monitores.", answer["message"])
	assert.Equal(t, true, answer["is_bot"])

	msgs, err := e.store.Transcripts().List(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "Quedan 12 monitores.", msgs[1].Content)
}

func TestWS_InvalidFrameKeepsConnection(t *testing.T) {
	e := newEnv(t, nil, time.Second)
	c := e.dial(t)
	e.handshake(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "Formato de mensaje inválido", read(t, c)["message"])

	send(t, c, map[string]string{"message": ""})
	assert.Equal(t, chat.TypeError, read(t, c)["type"])

	send(t, c, map[string]string{"message": "hola"})
	assert.Equal(t, chat.TypeChatMessage, read(t, c)["type"])
}

func TestWS_ExpiredTokenClosesConnection(t *testing.T) {
	e := newEnv(t, nil, time.Second)
	c := e.dial(t)
	read(t, c)
	read(t, c)

	send(t, c, map[string]string{"token": e.token(t, time.Now().Add(-time.Minute))})
	frame := read(t, c)
	assert.Equal(t, chat.TypeError, frame["type"])

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure) || strings.Contains(err.Error(), "close"),
		"expected close, got %v", err)

	require.Eventually(t, func() bool { return e.server.WSConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWS_SlowGeneratorYieldsTimeoutFallback(t *testing.T) {
	e := newEnv(t, &slowGenerator{text: "tarde", delay: 5 * time.Second}, 200*time.Millisecond)
	c := e.dial(t)
	e.handshake(t, c)

	start := time.Now()
	send(t, c, map[string]string{"message": "¿cuántas ventas hubo?"})
	read(t, c) // echo
	read(t, c) // typing
	answer := read(t, c)

	assert.Equal(t, chat.TypeChatMessage, answer["type"])
	assert.Equal(t, assistant.DefaultTemplates().Fallbacks.Timeout, answer["message"])
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWS_MultiTabBroadcastAndDisconnect(t *testing.T) {
	e := newEnv(t, nil, time.Second)
	tab1 := e.dial(t)
	tab2 := e.dial(t)
	e.handshake(t, tab1)
	e.handshake(t, tab2)

	group := bus.UserGroup(e.userID)
	require.Eventually(t, func() bool { return e.server.Bus().Members(group) == 2 }, 2*time.Second, 10*time.Millisecond)

	send(t, tab1, map[string]string{"message": "hola"})
	for _, c := range []*websocket.Conn{tab1, tab2} {
		assert.Equal(t, "hola", read(t, c)["message"])
		read(t, c) // typing
		assert.Contains(t, read(t, c)["message"], "Hola Ana")
	}

	require.NoError(t, tab1.Close())
	require.Eventually(t, func() bool { return e.server.Bus().Members(group) == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, tab2, map[string]string{"message": "sigo aquí"})
	assert.Equal(t, "sigo aquí", read(t, tab2)["message"])
}

func TestWS_QueuedMessageGetsTypingBeforeEarlierAnswer(t *testing.T) {
	e := newEnv(t, &slowGenerator{text: "ok", delay: 800 * time.Millisecond}, 3*time.Second)
	c := e.dial(t)
	e.handshake(t, c)

	start := time.Now()
	send(t, c, map[string]string{"message": "uno"})
	send(t, c, map[string]string{"message": "dos"})

	typing := 0
	var lastTyping time.Duration
	for {
		f := read(t, c)
		if f["is_typing"] == true {
			typing++
			lastTyping = time.Since(start)
			continue
		}
		if f["is_bot"] == true {
			assert.Equal(t, "ok", f["message"])
			break
		}
	}
	assert.Equal(t, 2, typing, "both messages announced before the first answer")
	assert.Less(t, lastTyping, 700*time.Millisecond)

	// The second message is still answered in order.
	assert.Equal(t, "dos", read(t, c)["message"])
	assert.Equal(t, true, read(t, c)["is_typing"])
	assert.Equal(t, "ok", read(t, c)["message"])
}
