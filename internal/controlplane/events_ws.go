package controlplane

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ralphd/ralphd/internal/bus"
	"github.com/ralphd/ralphd/internal/events"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
	// wsSendBuffer bounds the per-client queue; a client that cannot keep up
	// is disconnected rather than stalling the bus.
	wsSendBuffer = 256
)

// handleEvents upgrades to WebSocket and streams bus events as redacted JSON.
// The stream starts with a replayed prefix of up to replayLast events, then
// live events in publish order. Client messages are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	protocol, ok := s.authenticate(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	var respHeader http.Header
	if protocol != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{protocol}}
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	replay := s.replayCount(r)

	// The bus delivers synchronously on the publisher's goroutine, so the
	// handler only enqueues; the write pump owns the socket. The replayed
	// prefix arrives inside Subscribe before the pump drains anything, so the
	// buffer must hold all of it on top of the live slack.
	send := make(chan events.Event, replay+wsSendBuffer)
	overflow := make(chan struct{})
	unsubscribe := s.bus.Subscribe(func(e events.Event) {
		if !s.streamable(e) {
			return
		}
		select {
		case send <- e:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	}, bus.SubscribeOptions{ReplayLast: replay})
	defer unsubscribe()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: drain and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-send:
			raw, err := events.SafeMarshal(e)
			if err != nil {
				s.logger.Warn("failed to marshal event for stream", slog.Any("error", err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(s.redacted(string(raw)))); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			s.logger.Warn("event stream client too slow, disconnecting",
				slog.String("remote", r.RemoteAddr))
			return
		case <-done:
			return
		}
	}
}

// replayCount clamps the client-requested replay into [0, max].
func (s *Server) replayCount(r *http.Request) int {
	replay := s.cfg.ReplayLastDefault
	if raw := r.URL.Query().Get("replayLast"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			replay = n
		}
	}
	if replay < 0 {
		replay = 0
	}
	if replay > s.cfg.ReplayLastMax {
		replay = s.cfg.ReplayLastMax
	}
	return replay
}

// streamable filters raw worker tool events unless explicitly exposed.
func (s *Server) streamable(e events.Event) bool {
	if e.Type == events.TypeLogOpencodeEvent {
		return s.cfg.ExposeRawOpencodeEvents
	}
	return true
}
