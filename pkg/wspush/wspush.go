// Package wspush implements the WebSocket push layer (C8): it accepts
// browser sessions, tracks each session's prefix subscriptions, and
// broadcasts RTDB updates as JSON frames to every session whose
// subscription set matches the updated tag by the same prefix rule used
// for bus subscriptions (pkg/match).
package wspush

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/fieldforge/vsoa/pkg/match"
	"github.com/fieldforge/vsoa/pkg/rtdb"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pointUpdate is the broadcast frame shape: {event, name, value,
// timestamp, driver, device}.
type pointUpdate struct {
	Event     string `json:"event"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	Timestamp uint64 `json:"timestamp"`
	Driver    string `json:"driver"`
	Device    string `json:"device"`
}

type session struct {
	id   xid.ID
	conn *websocket.Conn

	writeMu sync.Mutex // serializes writes to this session's connection

	mu     sync.Mutex
	prefixes map[string]struct{}
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *session) writeText(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *session) matches(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.prefixes {
		if match.Matches(p, name) {
			return true
		}
	}
	return false
}

// Server is the WebSocket push server.
type Server struct {
	log *slog.Logger

	httpSrv *http.Server

	mu       sync.Mutex
	sessions map[xid.ID]*session

	cbID   uint64
	db     *rtdb.DB
}

// New constructs a Server. Call RegisterRTDB to wire it to a tag store's
// update callback, and Start to begin accepting connections.
func New() *Server {
	return &Server{
		log:      slog.Default().With("service", "[WSPUSH]"),
		sessions: make(map[xid.ID]*session),
	}
}

// RegisterRTDB subscribes the push server to db's update callbacks, so
// every Set/SetMany fans out to matching WebSocket sessions.
func (srv *Server) RegisterRTDB(db *rtdb.DB) {
	srv.mu.Lock()
	srv.db = db
	srv.mu.Unlock()
	srv.cbID = db.AddUpdateCallback(srv.BroadcastPointUpdate)
}

// Start begins accepting browser connections on addr (non-blocking).
func (srv *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleUpgrade)
	srv.httpSrv = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			srv.log.Error("websocket server stopped", "err", err)
		}
	}()
	srv.log.Info("listening", "addr", addr)
	return nil
}

// Stop shuts down the HTTP server and drops every session.
func (srv *Server) Stop(ctx context.Context) error {
	srv.mu.Lock()
	if srv.db != nil {
		srv.db.RemoveUpdateCallback(srv.cbID)
	}
	sessions := make([]*session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.Close()
	}
	if srv.httpSrv == nil {
		return nil
	}
	return srv.httpSrv.Shutdown(ctx)
}

func (srv *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("upgrade failed", "err", err)
		return
	}

	sess := &session{id: xid.New(), conn: conn, prefixes: make(map[string]struct{})}
	srv.mu.Lock()
	srv.sessions[sess.id] = sess
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, sess.id)
		srv.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		srv.handleCommand(sess, string(msg))
	}
}

func (srv *Server) handleCommand(sess *session, raw string) {
	parts := strings.SplitN(strings.TrimSpace(raw), " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "SUBSCRIBE":
		if len(parts) == 2 {
			sess.mu.Lock()
			sess.prefixes[parts[1]] = struct{}{}
			sess.mu.Unlock()
		}
	case "UNSUBSCRIBE":
		if len(parts) == 2 {
			sess.mu.Lock()
			delete(sess.prefixes, parts[1])
			sess.mu.Unlock()
		}
	case "PING":
		_ = sess.writeText("PONG")
	}
}

// BroadcastPointUpdate sends a POINT_UPDATE frame to every session whose
// prefix set matches rec.Name. It is registered as the RTDB update
// callback by RegisterRTDB, so it runs on the writer's goroutine, after
// the RTDB's shard lock has been released.
func (srv *Server) BroadcastPointUpdate(rec rtdb.TagRecord) {
	frame := pointUpdate{
		Event: "POINT_UPDATE", Name: rec.Name, Value: rec.Value,
		Timestamp: rec.TimestampMs, Driver: rec.Driver, Device: rec.Device,
	}

	srv.mu.Lock()
	targets := make([]*session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		if s.matches(rec.Name) {
			targets = append(targets, s)
		}
	}
	srv.mu.Unlock()

	for _, s := range targets {
		if err := s.writeJSON(frame); err != nil {
			srv.log.Debug("broadcast write failed", "session", s.id.String(), "err", err)
		}
	}
}

// Count returns the number of currently connected WebSocket sessions.
func (srv *Server) Count() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}
