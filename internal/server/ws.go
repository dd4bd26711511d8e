package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livewatch/internal/broadcast"
	"livewatch/internal/models"
)

// wsObserver delivers updates over one websocket connection.
type wsObserver struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newWSObserver(conn *websocket.Conn, writeTimeout time.Duration) *wsObserver {
	return &wsObserver{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(ctx context.Context, update models.Update) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sendLocked(ctx, update)
}

func (o *wsObserver) sendLocked(ctx context.Context, update models.Update) error {
	if o.closed.Load() {
		return broadcast.ErrObserverClosed
	}
	deadline := time.Now().Add(o.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = o.conn.SetWriteDeadline(deadline)
	return o.conn.WriteJSON(update)
}

func (o *wsObserver) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		err = o.conn.Close()
	})
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serveObserver(r.Context(), newWSObserver(conn, s.opts.WriteTimeout))
}

func (s *Server) serveObserver(ctx context.Context, obs *wsObserver) {
	defer obs.Close()

	// Attach and the initial send share the observer lock, so a concurrent
	// publish is delivered after the latest update and never before it.
	obs.mu.Lock()
	s.hub.Attach(obs)
	if latest, ok := s.status.Latest(); ok {
		if err := obs.sendLocked(ctx, latest); err != nil {
			obs.mu.Unlock()
			s.hub.Detach(obs.ID())
			return
		}
	}
	obs.mu.Unlock()

	for {
		if _, _, err := obs.conn.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.Detach(obs.ID())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if originAllowed(s.opts.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimSpace(r.Host))
	originHost := strings.ToLower(strings.TrimSpace(u.Host))
	return host == originHost
}
