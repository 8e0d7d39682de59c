package broker

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fieldforge/vsoa/internal/netutil"
	"github.com/fieldforge/vsoa/pkg/wire"
)

// errSessionClosed is returned by send once close has run, guarding
// against a write racing a concurrent Publish/Reply against Close.
var errSessionClosed = errors.New("broker: session closed")

// Session represents one connected peer on the server side: its receive
// buffer, subscription set, handshake state, and send lane. The server
// core exclusively owns sessions; no other component holds a direct
// reference to one outside of callbacks that receive it as an argument.
type Session struct {
	id   uint32
	conn net.Conn

	server *Server

	reassembler *wire.Reassembler

	mu                 sync.Mutex
	subscriptions      map[string]struct{}
	handshakeDeadlineMs int64
	handshakeComplete  bool
	active             bool
	sendTimeout        time.Duration

	sendMu sync.Mutex
}

func newSession(id uint32, conn net.Conn, srv *Server, handshakeDeadlineMs int64) *Session {
	return &Session{
		id:                  id,
		conn:                conn,
		server:              srv,
		reassembler:         wire.NewReassembler(),
		subscriptions:       make(map[string]struct{}),
		handshakeDeadlineMs: handshakeDeadlineMs,
		sendTimeout:         100 * time.Millisecond,
		active:              true,
	}
}

// ID returns the server-assigned, monotonic, unique session id.
func (s *Session) ID() uint32 { return s.id }

// Address returns the remote address of the underlying connection.
func (s *Session) Address() (net.Addr, bool) {
	if s.conn == nil {
		return nil, false
	}
	return s.conn.RemoteAddr(), true
}

// IsSubscribed reports whether url is currently in this session's
// subscription set (exact string match; the set stores subscriber URLs
// verbatim, prefix or exact).
func (s *Session) IsSubscribed(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[url]
	return ok
}

// SetKeepalive overrides the server-wide keepalive default for this
// session's underlying TCP connection.
func (s *Session) SetKeepalive(enabled bool, idle time.Duration, probes int) error {
	return netutil.TuneAccepted(s.conn, netutil.KeepaliveConfig{Enabled: enabled, Idle: idle, Probes: probes})
}

// SetSendTimeout overrides the server-wide send timeout for this
// session's writes.
func (s *Session) SetSendTimeout(d time.Duration) {
	s.mu.Lock()
	s.sendTimeout = d
	s.mu.Unlock()
}

// isActive reports whether the session's connection is still open; it
// goes false exactly once, inside close.
func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) subscribe(url string) {
	s.mu.Lock()
	s.subscriptions[url] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unsubscribe(url string) {
	s.mu.Lock()
	delete(s.subscriptions, url)
	s.mu.Unlock()
}

// send writes a complete packet using scatter/gather semantics (header,
// url, and payload in one syscall): Encode already concatenates them
// into one buffer, and a single Write call satisfies the "one syscall"
// requirement without a real writev.
func (s *Session) send(typ, status uint8, seqno uint16, url, payload []byte) error {
	if !s.isActive() {
		return errSessionClosed
	}

	buf, err := wire.Encode(typ, status, seqno, url, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	timeout := s.sendTimeout
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err = s.conn.Write(buf)
	return err
}

func encodeClientID(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

func (s *Session) close() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	_ = s.conn.Close()
}
