package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatflow/internal/auth"
	"chatflow/internal/chat"
	"chatflow/internal/config"
	"chatflow/internal/limit"
	"chatflow/internal/service/account"
	"chatflow/internal/service/ai"
	"chatflow/internal/service/history"
	"chatflow/internal/storage"
	"chatflow/internal/ws"
)

type scriptedStream struct {
	chunks []string
	pos    int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos >= len(s.chunks) {
		return "", context.Canceled
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() {}

type scriptedGenerator struct {
	chunks []string
}

func (g *scriptedGenerator) CompleteStream(context.Context, []ai.Turn) (ai.Stream, error) {
	return &scriptedStream{chunks: g.chunks}, nil
}

type serverFixture struct {
	srv      *httptest.Server
	auth     *auth.Service
	accounts *account.Service
}

func newServerFixture(t *testing.T, chunks []string) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	authSvc, err := auth.NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	historySvc := history.NewService(db)
	hub := ws.NewHub(nil)
	limiter := limit.NewMemoryLimiter(limit.Policy{}) // no throttle in transport tests
	orch := chat.New(historySvc, &scriptedGenerator{chunks: chunks}, hub, limiter, nil)
	handler := ws.NewHandler(authSvc, hub, orch, nil)

	router := gin.New()
	router.GET("/ws", handler.Serve)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &serverFixture{srv: srv, auth: authSvc, accounts: account.NewService(db)}
}

func (f *serverFixture) newUser(t *testing.T, username string) (int64, string) {
	t.Helper()
	user, err := f.accounts.Register(context.Background(), username, "secret123")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	token, err := f.auth.IssueToken(user.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return user.ID, token
}

func (f *serverFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.srv.URL, "http", "ws", 1) + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	if err := conn.WriteJSON(ws.Envelope{Event: event, Data: payload}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env ws.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return env
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	sendEvent(t, conn, ws.EventJoinRoom, room)
	env := readEvent(t, conn)
	if env.Event != ws.EventRoomJoined {
		t.Fatalf("expected room_joined, got %s: %s", env.Event, env.Data)
	}
	var ack ws.RoomJoinedPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Room != room || ack.ConnectionID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	f := newServerFixture(t, nil)
	url := strings.Replace(f.srv.URL, "http", "ws", 1) + "/ws"

	for _, suffix := range []string{"", "?token=garbage"} {
		_, resp, err := websocket.DefaultDialer.Dial(url+suffix, nil)
		if err != websocket.ErrBadHandshake {
			t.Fatalf("expected handshake rejection for %q, got %v", suffix, err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", suffix, resp.StatusCode)
		}
	}
}

func TestJoinForeignRoomRejected(t *testing.T) {
	f := newServerFixture(t, nil)
	_, token := f.newUser(t, "alice")
	conn := f.dial(t, token)

	sendEvent(t, conn, ws.EventJoinRoom, "user-9999")
	env := readEvent(t, conn)
	if env.Event != ws.EventChatError {
		t.Fatalf("expected chat_error, got %s", env.Event)
	}
}

func TestSendMessageStreamsReply(t *testing.T) {
	f := newServerFixture(t, []string{"Hel", "lo", "!"})
	userID, token := f.newUser(t, "alice")
	room := "user-" + strconv.FormatInt(userID, 10)
	conn := f.dial(t, token)
	joinRoom(t, conn, room)

	sendEvent(t, conn, ws.EventSendMessage, ws.SendMessagePayload{
		ChatID:   room,
		SenderID: strconv.FormatInt(userID, 10),
		Message:  "hi there",
	})

	env := readEvent(t, conn)
	if env.Event != ws.EventReceiveMessage {
		t.Fatalf("expected receive_message first, got %s", env.Event)
	}
	var echoed struct {
		Sender  *string `json:"sender"`
		Message string  `json:"message"`
		IsAI    bool    `json:"isAI"`
	}
	if err := json.Unmarshal(env.Data, &echoed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if echoed.Message != "hi there" || echoed.IsAI || echoed.Sender == nil {
		t.Fatalf("unexpected echoed message: %s", env.Data)
	}

	env = readEvent(t, conn)
	if env.Event != ws.EventAITyping {
		t.Fatalf("expected ai_typing, got %s", env.Event)
	}

	env = readEvent(t, conn)
	if env.Event != ws.EventStreamStart {
		t.Fatalf("expected stream_start, got %s", env.Event)
	}
	var start ws.StreamStartPayload
	if err := json.Unmarshal(env.Data, &start); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if start.ID == "" || !start.IsAI || start.Message != "" {
		t.Fatalf("unexpected stream_start: %s", env.Data)
	}

	var assembled strings.Builder
	for i := 0; i < 3; i++ {
		env = readEvent(t, conn)
		if env.Event != ws.EventStreamChunk {
			t.Fatalf("expected stream_chunk, got %s", env.Event)
		}
		var chunk ws.StreamChunkPayload
		if err := json.Unmarshal(env.Data, &chunk); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if chunk.ID != start.ID {
			t.Fatalf("chunk carries a foreign stream id")
		}
		assembled.WriteString(chunk.Chunk)
	}

	env = readEvent(t, conn)
	if env.Event != ws.EventAITyping {
		t.Fatalf("expected typing cleared, got %s", env.Event)
	}
	var typing ws.TypingPayload
	if err := json.Unmarshal(env.Data, &typing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typing.IsTyping {
		t.Fatalf("typing must be cleared after the stream")
	}

	env = readEvent(t, conn)
	if env.Event != ws.EventStreamEnd {
		t.Fatalf("expected stream_end, got %s", env.Event)
	}
	var end ws.StreamEndPayload
	if err := json.Unmarshal(env.Data, &end); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if end.TempID != start.ID {
		t.Fatalf("stream_end must map back to the temporary id")
	}
	if end.FinalMessage.Body != "Hello!" || end.FinalMessage.Body != assembled.String() {
		t.Fatalf("final message %q must equal the chunk concatenation %q", end.FinalMessage.Body, assembled.String())
	}
	if !end.FinalMessage.IsAI || end.FinalMessage.Sender != nil {
		t.Fatalf("unexpected final message: %+v", end.FinalMessage)
	}
}

func TestSecondTabSeesBroadcastsButNoStream(t *testing.T) {
	f := newServerFixture(t, []string{"reply"})
	userID, token := f.newUser(t, "alice")
	room := "user-" + strconv.FormatInt(userID, 10)

	sender := f.dial(t, token)
	joinRoom(t, sender, room)
	tab := f.dial(t, token)
	joinRoom(t, tab, room)

	sendEvent(t, sender, ws.EventSendMessage, ws.SendMessagePayload{
		ChatID:   room,
		SenderID: strconv.FormatInt(userID, 10),
		Message:  "hi",
	})

	// The second tab sees the group events only: receive_message, both
	// typing transitions and the final message. Stream frames stay with
	// the sender.
	wantOrder := []string{ws.EventReceiveMessage, ws.EventAITyping, ws.EventAITyping, ws.EventStreamEnd}
	for _, want := range wantOrder {
		env := readEvent(t, tab)
		if env.Event != want {
			t.Fatalf("second tab: expected %s, got %s", want, env.Event)
		}
	}
}

func TestSendMessageScopeMismatch(t *testing.T) {
	f := newServerFixture(t, []string{"reply"})
	userID, token := f.newUser(t, "alice")
	room := "user-" + strconv.FormatInt(userID, 10)
	conn := f.dial(t, token)
	joinRoom(t, conn, room)

	sendEvent(t, conn, ws.EventSendMessage, ws.SendMessagePayload{
		ChatID:   "user-9999",
		SenderID: strconv.FormatInt(userID, 10),
		Message:  "intrusion",
	})
	env := readEvent(t, conn)
	if env.Event != ws.EventChatError {
		t.Fatalf("expected chat_error, got %s", env.Event)
	}
	var payload ws.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Message == "" {
		t.Fatalf("scoped error must carry a message")
	}
}
