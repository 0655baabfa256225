package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/conference/internal/adapters/gateway"
	"github.com/dkeye/conference/internal/app/broker"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type stubCore struct {
	mu        sync.Mutex
	destroyed []domain.SessionID
}

func (s *stubCore) CreateSession(domain.SessionID) error { return nil }

func (s *stubCore) DestroySession(sid domain.SessionID) {
	s.mu.Lock()
	s.destroyed = append(s.destroyed, sid)
	s.mu.Unlock()
}

func (s *stubCore) AttachHandle(domain.SessionID, domain.HandleID) error { return nil }
func (s *stubCore) DetachHandle(domain.HandleID) {}
func (s *stubCore) HandleMessage(context.Context, core.Message) {}
func (s *stubCore) Trickle(domain.HandleID, string, core.Candidate) {}
func (s *stubCore) DeliverResponse(broker.Inbound) bool { return false }

func (s *stubCore) Destroyed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.destroyed)
}

func dial(t *testing.T, opts Options) (*websocket.Conn, *stubCore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sc := &stubCore{}
	ctl := NewSignalWSController(sc, gateway.NewRouter(), opts)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", "tester")
		ctl.HandleSignal(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	return ws, sc
}

func roundTrip(t *testing.T, ws *websocket.Conn, req string) gateway.Envelope {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(req)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env gateway.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestSignalSessionOverWebSocket(t *testing.T) {
	ws, sc := dial(t, Options{})

	created := roundTrip(t, ws, `{"janus":"create","transaction":"t1"}`)
	require.Equal(t, gateway.TypeSuccess, created.Janus)
	require.Equal(t, "t1", created.Transaction)

	ka := roundTrip(t, ws, `{"janus":"keepalive","transaction":"k1"}`)
	require.Equal(t, gateway.TypeAck, ka.Janus)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return sc.Destroyed() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSignalRateLimited(t *testing.T) {
	ws, _ := dial(t, Options{RateLimit: 1, RateInterval: time.Minute})
	defer ws.Close()

	first := roundTrip(t, ws, `{"janus":"keepalive","transaction":"k1"}`)
	require.Equal(t, gateway.TypeAck, first.Janus)

	second := roundTrip(t, ws, `{"janus":"keepalive","transaction":"k2"}`)
	require.Equal(t, gateway.TypeError, second.Janus)
	require.Equal(t, 429, second.Error.Code)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(100, 0)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))

	now = now.Add(1500 * time.Millisecond)
	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	now = now.Add(500 * time.Millisecond)
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	rl.Forget("a")
	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
}
