// Package gateway is the thin transport shim over the session core: a
// small JSON/HTTP surface for session lifecycle plus a WebSocket event
// stream per consumer.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netfabriclabs/netem-core/core"
	"github.com/netfabriclabs/netem-core/internal/logging"
	"github.com/netfabriclabs/netem-core/internal/mobility"
	"github.com/netfabriclabs/netem-core/internal/session"
	"github.com/netfabriclabs/netem-core/internal/stream"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
)

// Server serves the session API and event streams.
type Server struct {
	manager  *session.Manager
	log      logging.Logger
	upgrader websocket.Upgrader

	streamOpts []stream.Option

	mu      sync.Mutex
	runners map[int32]*mobility.Runner
}

// Option customises Server construction.
type Option func(*Server)

// WithStreamOptions sets the options applied to every opened streamer.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(s *Server) { s.streamOpts = opts }
}

// NewServer creates a gateway over the session manager.
func NewServer(manager *session.Manager, log logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		manager: manager,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		runners: make(map[int32]*mobility.Runner),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the gateway's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("PUT /sessions/{id}/state", s.handleSetState)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /sessions/{id}/mobility", s.handleStartMobility)
	mux.HandleFunc("POST /sessions/{id}/mobility/pause", s.handlePauseMobility)
	mux.HandleFunc("DELETE /sessions/{id}/mobility", s.handleStopMobility)
	return mux
}

// sessionSummary is the wire form of a session in list/get responses.
type sessionSummary struct {
	ID    int32  `json:"id"`
	State string `json:"state"`
	Nodes int    `json:"nodes"`
	Links int    `json:"links"`
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		ID:    sess.ID(),
		State: sess.State().String(),
		Nodes: len(sess.Nodes()),
		Links: len(sess.Links()),
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx, reqLog := logging.WithRequestLogger(r.Context(), s.log)

	var id int32
	if raw := r.URL.Query().Get("id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		id = int32(parsed)
	}

	sess, err := s.manager.CreateSession(id)
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reqLog.Info(ctx, "session created via gateway", logging.Int32("session_id", sess.ID()))
	s.writeJSON(w, http.StatusCreated, summarize(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	runner := s.runners[sess.ID()]
	delete(s.runners, sess.ID())
	s.mu.Unlock()
	if runner != nil {
		runner.Stop()
	}
	if err := s.manager.DeleteSession(r.Context(), sess.ID()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	next, err := session.ParseState(body.State)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.SetState(r.Context(), next); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(sess))
}

// mobilityRequest is the wire form of a script set. Waypoint offsets
// and the tick come in as duration strings ("250ms", "3s").
type mobilityRequest struct {
	Tick    string `json:"tick,omitempty"`
	Scripts []struct {
		NodeID    int32 `json:"node_id"`
		Loop      bool  `json:"loop"`
		Waypoints []struct {
			Offset   string        `json:"offset"`
			Position core.Position `json:"position"`
		} `json:"waypoints"`
	} `json:"scripts"`
}

func (s *Server) handleStartMobility(w http.ResponseWriter, r *http.Request) {
	ctx, reqLog := logging.WithRequestLogger(r.Context(), s.log)

	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var body mobilityRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var opts []mobility.Option
	if body.Tick != "" {
		tick, err := time.ParseDuration(body.Tick)
		if err != nil || tick <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid tick")
			return
		}
		opts = append(opts, mobility.WithTick(tick))
	}

	scripts := make([]mobility.Script, 0, len(body.Scripts))
	for _, sc := range body.Scripts {
		script := mobility.Script{NodeID: sc.NodeID, Loop: sc.Loop}
		for _, wp := range sc.Waypoints {
			offset, err := time.ParseDuration(wp.Offset)
			if err != nil || offset < 0 {
				s.writeError(w, http.StatusBadRequest, "invalid waypoint offset")
				return
			}
			script.Waypoints = append(script.Waypoints, mobility.Waypoint{
				Offset:   offset,
				Position: wp.Position,
			})
		}
		scripts = append(scripts, script)
	}

	s.mu.Lock()
	if existing := s.runners[sess.ID()]; existing != nil && existing.Running() {
		s.mu.Unlock()
		// Resuming a paused runner goes through the same route.
		existing.Start(context.Background())
		w.WriteHeader(http.StatusAccepted)
		return
	}
	runner, err := mobility.NewRunner(sess, scripts, s.log, opts...)
	if err != nil {
		s.mu.Unlock()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runners[sess.ID()] = runner
	s.mu.Unlock()

	// The replay outlives this request.
	runner.Start(context.Background())
	reqLog.Info(ctx, "mobility started",
		logging.Int32("session_id", sess.ID()),
		logging.Int("scripts", len(scripts)),
	)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePauseMobility(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	runner := s.runner(sess.ID())
	if runner == nil {
		s.writeError(w, http.StatusNotFound, "no mobility runner for session")
		return
	}
	runner.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopMobility(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	runner := s.runners[sess.ID()]
	delete(s.runners, sess.ID())
	s.mu.Unlock()
	if runner == nil {
		s.writeError(w, http.StatusNotFound, "no mobility runner for session")
		return
	}
	runner.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runner(sessionID int32) *mobility.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[sessionID]
}

// handleEvents upgrades the connection and relays the session's event
// feed until the client disconnects or the session's hub closes.
// ?types=node,link filters the subscription; absent means everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx, reqLog := logging.WithRequestLogger(r.Context(), s.log)

	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var types []stream.EventType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, err := stream.ParseEventType(part)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			types = append(types, t)
		}
	}

	streamer, err := stream.New(sess.ID(), sess.Broadcast(), types, s.log, s.streamOpts...)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		streamer.Close()
		reqLog.Warn(ctx, "websocket upgrade failed", logging.Err(err))
		return
	}

	reqLog.Info(ctx, "event stream opened",
		logging.Int32("session_id", sess.ID()),
		logging.String("stream_id", streamer.ID()),
	)
	s.relay(ctx, conn, streamer, reqLog)
}

// relay pumps events from the streamer to the socket. A read pump runs
// alongside to notice client disconnects; either side failing tears the
// stream down.
func (s *Server) relay(ctx context.Context, conn *websocket.Conn, streamer *stream.Streamer, log logging.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer streamer.Close()
	defer conn.Close()

	go func() {
		defer cancel()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := streamer.Process(ctx)
		if err != nil {
			log.Debug(ctx, "event stream closed", logging.String("stream_id", streamer.ID()))
			return
		}
		if ev == nil {
			// Poll timeout. Ping so a dead peer is noticed even when the
			// session is quiet.
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug(ctx, "event write failed", logging.Err(err))
			return
		}
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}
	sess, err := s.manager.GetSession(int32(id))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn(context.Background(), "response encode failed", logging.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
