// Package broker implements the VSOA server core (C5) and the session
// type (C3) it owns: the accept loop, per-client registry, listener
// registry, publish engine, and handshake-deadline tick.
//
// Where the source drives a single-threaded event loop by polling
// fds()/input(), this implementation uses the Go-idiomatic alternative
// sanctioned for a reimplementation: one goroutine per accepted
// connection. The server's coarse mutex guards the session registry,
// listener table and hooks; each Session has its own mutex for its
// subscription set and handshake state, and a send mutex that serializes
// its writes outside the server lock. No user callback runs under either
// lock, and each peer's packets are dispatched in arrival order on its
// own goroutine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fieldforge/vsoa/internal/netutil"
	"github.com/fieldforge/vsoa/pkg/match"
	"github.com/fieldforge/vsoa/pkg/wire"
	"golang.org/x/time/rate"
)

var (
	ErrNoLeadingSlash = errors.New("broker: url must start with '/'")
	ErrUnknownClient  = errors.New("broker: unknown client id")
)

// ConnectHook is invoked exactly once per session, when it finishes the
// handshake (connect=true) or when it closes after having handshook
// (connect=false).
type ConnectHook func(s *Session, connect bool)

// DatagramHandler receives a one-shot, unacknowledged message from a
// session.
type DatagramHandler func(s *Session, url string, payload []byte)

// Config configures a Server at construction time.
type Config struct {
	HandshakeDeadline time.Duration
	SendTimeout       time.Duration
	Backlog           int
	Keepalive         netutil.KeepaliveConfig
	BindInterface     string

	// AcceptRatePerAddr and AcceptBurstPerAddr bound how many new
	// connections a single remote address may open per second before
	// the accept loop starts dropping it; zero disables the limiter.
	AcceptRatePerAddr  rate.Limit
	AcceptBurstPerAddr int
}

// DefaultConfig matches the documented defaults: 5s handshake deadline,
// 100ms server send timeout, backlog 32, 10s/3-probe keepalive, and a
// 5-connections/second-per-address accept limiter with burst 10.
func DefaultConfig() Config {
	return Config{
		HandshakeDeadline:  5 * time.Second,
		SendTimeout:        100 * time.Millisecond,
		Backlog:            32,
		Keepalive:          netutil.DefaultKeepalive,
		AcceptRatePerAddr:  5,
		AcceptBurstPerAddr: 10,
	}
}

// Server is the VSOA broker's server core.
type Server struct {
	cfg Config
	log *slog.Logger

	listener net.Listener

	mu        sync.Mutex
	sessions  map[uint32]*Session
	nextID    uint32
	listeners *listenerTable
	closed    bool

	onConnect  ConnectHook
	onDatagram DatagramHandler

	acceptMu     sync.Mutex
	acceptLimits map[string]*rate.Limiter

	wg sync.WaitGroup
}

// New constructs a Server; call Serve to start accepting.
func New(cfg Config) *Server {
	return &Server{
		cfg:          cfg,
		log:          slog.Default().With("service", "[BROKER]"),
		sessions:     make(map[uint32]*Session),
		listeners:    newListenerTable(),
		acceptLimits: make(map[string]*rate.Limiter),
	}
}

// allowAccept reports whether a new connection from remoteAddr should be
// accepted, consulting a per-address token bucket. Disabled entirely
// when AcceptRatePerAddr is zero.
func (srv *Server) allowAccept(remoteAddr string) bool {
	if srv.cfg.AcceptRatePerAddr <= 0 {
		return true
	}
	host := remoteAddr
	if i := strings.LastIndexByte(remoteAddr, ':'); i >= 0 {
		host = remoteAddr[:i]
	}

	srv.acceptMu.Lock()
	lim, ok := srv.acceptLimits[host]
	if !ok {
		lim = rate.NewLimiter(srv.cfg.AcceptRatePerAddr, srv.cfg.AcceptBurstPerAddr)
		srv.acceptLimits[host] = lim
	}
	srv.acceptMu.Unlock()

	return lim.Allow()
}

// OnClient registers the connect/disconnect hook.
func (srv *Server) OnClient(fn ConnectHook) {
	srv.mu.Lock()
	srv.onConnect = fn
	srv.mu.Unlock()
}

// OnDatagram registers the datagram handler.
func (srv *Server) OnDatagram(fn DatagramHandler) {
	srv.mu.Lock()
	srv.onDatagram = fn
	srv.mu.Unlock()
}

// AddListener registers an RPC handler for url, idempotently by URL
// shape (default "/", prefix "foo/", or exact "foo").
func (srv *Server) AddListener(url string, handler RPCHandler) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.listeners.add(url, handler)
}

// RemoveListener unregisters the listener for url, if any.
func (srv *Server) RemoveListener(url string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.listeners.remove(url)
}

// Serve binds network/addr and runs the accept loop until ctx is
// cancelled or Close is called.
func (srv *Server) Serve(ctx context.Context, network, addr string) error {
	lc := net.ListenConfig{}
	if network == "tcp" {
		lc.Control = netutil.ListenerControl()
	}
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()

	if srv.cfg.BindInterface != "" {
		if err := srv.BindInterface(srv.cfg.BindInterface); err != nil {
			srv.log.Warn("bind-to-interface failed", "err", err)
		}
	}

	srv.log.Info("listening", "network", network, "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				srv.wg.Wait()
				return nil
			default:
				return fmt.Errorf("broker: accept: %w", err)
			}
		}
		if !srv.allowAccept(conn.RemoteAddr().String()) {
			srv.log.Warn("accept rate exceeded, dropping connection", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		_ = netutil.TuneAccepted(conn, srv.cfg.Keepalive)
		srv.wg.Add(1)
		go srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	defer srv.wg.Done()

	id := srv.registerSession(conn)
	sess := srv.sessionByID(id)

	defer func() {
		srv.removeSession(sess)
	}()

	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			ferr := sess.reassembler.Feed(buf[:n], func(pkt wire.Packet) error {
				srv.dispatch(sess, pkt)
				return nil
			})
			if ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (srv *Server) registerSession(conn net.Conn) uint32 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.nextID++
	id := srv.nextID
	deadlineMs := srv.cfg.HandshakeDeadline.Milliseconds()
	sess := newSession(id, conn, srv, deadlineMs)
	sess.sendTimeout = srv.cfg.SendTimeout
	srv.sessions[id] = sess
	return id
}

func (srv *Server) sessionByID(id uint32) *Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.sessions[id]
}

func (srv *Server) removeSession(sess *Session) {
	srv.mu.Lock()
	delete(srv.sessions, sess.id)
	hook := srv.onConnect
	wasHandshaken := sess.handshakeComplete
	srv.mu.Unlock()

	sess.close()
	if wasHandshaken && hook != nil {
		hook(sess, false)
	}
}

// dispatch routes one reassembled packet by type, on the connection's
// own goroutine, preserving per-peer delivery order.
func (srv *Server) dispatch(sess *Session, pkt wire.Packet) {
	sess.mu.Lock()
	handshaken := sess.handshakeComplete
	sess.mu.Unlock()

	if !handshaken {
		if pkt.Header.Type == wire.TypeServInfo {
			srv.completeHandshake(sess, pkt.Header.Seqno)
			return
		}
		_ = sess.send(pkt.Header.Type, wire.StatusInvalidURL, pkt.Header.Seqno, nil, nil)
		return
	}

	switch pkt.Header.Type {
	case wire.TypeSubscribe:
		sess.subscribe(string(pkt.URL))
		_ = sess.send(wire.TypeSubscribe, wire.StatusOK, pkt.Header.Seqno, nil, nil)
	case wire.TypeUnsubscribe:
		sess.unsubscribe(string(pkt.URL))
		_ = sess.send(wire.TypeUnsubscribe, wire.StatusOK, pkt.Header.Seqno, nil, nil)
	case wire.TypeRPC:
		srv.dispatchRPC(sess, pkt)
	case wire.TypeDatagram:
		srv.mu.Lock()
		handler := srv.onDatagram
		srv.mu.Unlock()
		if handler != nil {
			handler(sess, string(pkt.URL), pkt.Payload)
		}
	case wire.TypePingEcho:
		_ = sess.send(wire.TypePingEcho, wire.StatusOK, pkt.Header.Seqno, nil, nil)
	}
}

func (srv *Server) completeHandshake(sess *Session, seqno uint16) {
	sess.mu.Lock()
	sess.handshakeComplete = true
	sess.mu.Unlock()

	_ = sess.send(wire.TypeServInfo, wire.StatusOK, seqno, nil, encodeClientID(sess.id))

	srv.mu.Lock()
	hook := srv.onConnect
	srv.mu.Unlock()
	if hook != nil {
		hook(sess, true)
	}
}

func (srv *Server) dispatchRPC(sess *Session, pkt wire.Packet) {
	url := string(pkt.URL)
	if len(url) == 0 || url[0] != '/' {
		_ = sess.send(wire.TypeRPC, wire.StatusArguments, pkt.Header.Seqno, nil, nil)
		return
	}

	srv.mu.Lock()
	l := srv.listeners.find(url)
	srv.mu.Unlock()

	if l == nil {
		_ = sess.send(wire.TypeRPC, wire.StatusInvalidURL, pkt.Header.Seqno, nil, nil)
		return
	}
	l.handler(sess, pkt.Header.Seqno, url, pkt.Payload)
}

// Reply sends an RPC reply to clientID for seqno. An empty url and/or
// payload is legal, matching the source's acceptance of NULL url/data
// iovecs on the reply path.
func (srv *Server) Reply(clientID uint32, status uint8, seqno uint16, payload []byte) bool {
	srv.mu.Lock()
	sess, ok := srv.sessions[clientID]
	srv.mu.Unlock()
	if !ok {
		return false
	}
	return sess.send(wire.TypeRPC, status, seqno, nil, payload) == nil
}

// Publish fans payload out to every session whose subscription set
// matches url, by the rule in pkg/match. A send error on one session
// does not prevent delivery to the others.
func (srv *Server) Publish(url string, payload []byte) bool {
	if len(url) == 0 || url[0] != '/' {
		return false
	}

	srv.mu.Lock()
	targets := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		sess.mu.Lock()
		matched := false
		for sub := range sess.subscriptions {
			if match.Matches(sub, url) {
				matched = true
				break
			}
		}
		sess.mu.Unlock()
		if matched {
			targets = append(targets, sess)
		}
	}
	srv.mu.Unlock()

	urlBytes := []byte(url)
	for _, sess := range targets {
		_ = sess.send(wire.TypePublish, wire.StatusOK, 0, urlBytes, payload)
	}
	return true
}

// Datagram sends a one-shot message to a single client, outside the
// publish fan-out and RPC-reply paths.
func (srv *Server) Datagram(clientID uint32, url string, payload []byte) bool {
	srv.mu.Lock()
	sess, ok := srv.sessions[clientID]
	srv.mu.Unlock()
	if !ok {
		return false
	}
	return sess.send(wire.TypeDatagram, wire.StatusOK, 0, []byte(url), payload) == nil
}

// CloseClient forcibly disconnects clientID.
func (srv *Server) CloseClient(clientID uint32) {
	srv.mu.Lock()
	sess, ok := srv.sessions[clientID]
	srv.mu.Unlock()
	if ok {
		sess.close()
	}
}

// Count returns the number of currently connected sessions.
func (srv *Server) Count() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// ClientIDs returns the ids of all currently connected sessions.
func (srv *Server) ClientIDs() []uint32 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	ids := make([]uint32, 0, len(srv.sessions))
	for id := range srv.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IsSubscribed reports whether any connected session subscribes to url.
func (srv *Server) IsSubscribed(url string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, sess := range srv.sessions {
		if sess.IsSubscribed(url) {
			return true
		}
	}
	return false
}

// Addr returns the server's bound address.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// BindInterface restricts the server's listening socket to the named
// network interface, mirroring the source's standalone
// ipc_server_bind_if call: it can be set at construction time via
// Config.BindInterface, or applied or changed later by calling this
// method directly, including after Serve has already bound the
// listener.
func (srv *Server) BindInterface(name string) error {
	srv.mu.Lock()
	srv.cfg.BindInterface = name
	ln := srv.listener
	srv.mu.Unlock()

	if ln == nil {
		return nil
	}
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return fmt.Errorf("broker: listener does not support interface binding")
	}
	return netutil.BindToInterface(sc, name)
}

// SetSendTimeout changes the server-wide default send timeout,
// optionally applying it to every currently connected session.
func (srv *Server) SetSendTimeout(d time.Duration, applyToCurrent bool) {
	srv.mu.Lock()
	srv.cfg.SendTimeout = d
	sessions := make([]*Session, 0, len(srv.sessions))
	if applyToCurrent {
		for _, sess := range srv.sessions {
			sessions = append(sessions, sess)
		}
	}
	srv.mu.Unlock()

	for _, sess := range sessions {
		sess.SetSendTimeout(d)
	}
}

// Tick implements internal/timer.Tickable: the shared 100ms server timer
// decrements every pre-handshake session's deadline and closes it on
// expiry. Sessions that have already completed the handshake are exempt.
func (srv *Server) Tick(deltaMs int64) {
	srv.mu.Lock()
	var expired []*Session
	for _, sess := range srv.sessions {
		sess.mu.Lock()
		if !sess.handshakeComplete {
			sess.handshakeDeadlineMs -= deltaMs
			if sess.handshakeDeadlineMs <= 0 {
				expired = append(expired, sess)
			}
		}
		sess.mu.Unlock()
	}
	srv.mu.Unlock()

	for _, sess := range expired {
		sess.close()
	}
}

// Close shuts down the listener and every connected session.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	ln := srv.listener
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	srv.wg.Wait()
	return err
}
