package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-wallet/internal/models"
	"github.com/example/ride-wallet/internal/observability"
)

const writeWait = 2 * time.Second

// WSSession represents a connected UI screen
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(e)
}

// WSRegistry pushes ledger events to every connected session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	seq      atomic.Int64
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn and returns the session id used to remove it.
func (r *WSRegistry) Add(conn *websocket.Conn) string {
	id := "ws-" + strconv.FormatInt(r.seq.Add(1), 10)
	r.mu.Lock()
	r.sessions[id] = &WSSession{conn: conn}
	n := len(r.sessions)
	r.mu.Unlock()
	observability.WSSessions.Set(float64(n))
	return id
}

func (r *WSRegistry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
	observability.WSSessions.Set(float64(n))
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Publish sends e to all sessions. Sessions that fail are dropped; a
// registry with no sessions is not an error.
func (r *WSRegistry) Publish(ctx context.Context, e models.Event) error {
	r.mu.RLock()
	targets := make(map[string]*WSSession, len(r.sessions))
	for id, s := range r.sessions {
		targets[id] = s
	}
	r.mu.RUnlock()

	var failed []string
	for id, s := range targets {
		if err := s.Send(e); err != nil {
			r.logger.Warn("ws send error", "session", id, "error", err)
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		r.Remove(id)
	}
	if len(failed) > 0 && len(failed) == len(targets) {
		return ErrNoSession
	}
	return nil
}

var ErrNoSession = errors.New("no ws session")
