package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-wallet/internal/models"
)

func newServer(t *testing.T, reg *WSRegistry) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(conn)
	}))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	return conn
}

func TestBroadcastToSessions(t *testing.T) {
	reg := NewWSRegistry(nil)
	srv := newServer(t, reg)
	defer srv.Close()

	a := dial(t, srv)
	defer a.Close()
	b := dial(t, srv)
	defer b.Close()
	require.Eventually(t, func() bool { return reg.Len() == 2 }, time.Second, 5*time.Millisecond)

	e := models.Event{ID: "e1", Type: models.EventRidePaid, Balance: decimal.RequireFromString("2679.23")}
	require.NoError(t, reg.Publish(context.Background(), e))

	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		var got models.Event
		require.NoError(t, c.ReadJSON(&got))
		assert.Equal(t, "e1", got.ID)
		assert.Equal(t, models.EventRidePaid, got.Type)
		assert.True(t, e.Balance.Equal(got.Balance))
	}
}

func TestPublishWithoutSessions(t *testing.T) {
	assert.NoError(t, NewWSRegistry(nil).Publish(context.Background(), models.Event{}))
}

func TestRemoveClosesSession(t *testing.T) {
	reg := NewWSRegistry(nil)
	srv := newServer(t, reg)
	defer srv.Close()

	c := dial(t, srv)
	defer c.Close()
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	reg.mu.RLock()
	var id string
	for k := range reg.sessions {
		id = k
	}
	reg.mu.RUnlock()
	reg.Remove(id)
	assert.Equal(t, 0, reg.Len())

	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)
}
