package broker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/fieldforge/vsoa/pkg/wire"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	go func() { _ = srv.Serve(ctx, "tcp", addr) }()
	t.Cleanup(func() { _ = srv.Close() })

	// give the listener a moment to bind; polling Addr instead of dialing
	// keeps a probe connection from taking session id 1
	for i := 0; i < 100; i++ {
		if srv.Addr() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, addr
}

func handshake(t *testing.T, addr string) (net.Conn, uint32) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	buf, err := wire.Encode(wire.TypeServInfo, 0, 0, nil, nil)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	hdr := make([]byte, wire.HeaderLength)
	_, err = readFull(conn, hdr)
	require.NoError(t, err)
	dataLen := binary.BigEndian.Uint32(hdr[8:12])
	payload := make([]byte, dataLen)
	_, err = readFull(conn, payload)
	require.NoError(t, err)

	id := binary.BigEndian.Uint32(payload)
	return conn, id
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestHandshakeAssignsID(t *testing.T) {
	_, addr := startTestServer(t)
	conn, id := handshake(t, addr)
	defer conn.Close()
	require.Equal(t, uint32(1), id)
}

func TestSubscribeAndPublishFanOut(t *testing.T) {
	srv, addr := startTestServer(t)

	connA, _ := handshake(t, addr)
	defer connA.Close()
	connB, _ := handshake(t, addr)
	defer connB.Close()
	connC, _ := handshake(t, addr)
	defer connC.Close()

	subBuf, _ := wire.Encode(wire.TypeSubscribe, 0, 1, []byte("/tele/"), nil)
	_, _ = connA.Write(subBuf)
	_, _ = connB.Write(subBuf)
	ackA := make([]byte, wire.HeaderLength)
	_, _ = readFull(connA, ackA)
	ackB := make([]byte, wire.HeaderLength)
	_, _ = readFull(connB, ackB)

	subBufOther, _ := wire.Encode(wire.TypeSubscribe, 0, 1, []byte("/tele/rpm"), nil)
	_, _ = connC.Write(subBufOther)
	ackC := make([]byte, wire.HeaderLength)
	_, _ = readFull(connC, ackC)

	time.Sleep(20 * time.Millisecond)
	require.True(t, srv.Publish("/tele/speed", []byte("42")))

	for _, conn := range []net.Conn{connA, connB} {
		hdr := make([]byte, wire.HeaderLength)
		_, err := readFull(conn, hdr)
		require.NoError(t, err)
		urlLen := binary.BigEndian.Uint16(hdr[4:6])
		url := make([]byte, urlLen)
		_, _ = readFull(conn, url)
		require.Equal(t, "/tele/speed", string(url))
	}

	require.NoError(t, connC.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	hdr := make([]byte, wire.HeaderLength)
	_, err := readFull(connC, hdr)
	require.Error(t, err)
}

func TestRPCExactBeatsPrefixAndUnmatchedIsInvalidURL(t *testing.T) {
	srv, addr := startTestServer(t)
	srv.AddListener("/x/y", func(s *Session, seqno uint16, url string, payload []byte) {
		srv.Reply(s.ID(), wire.StatusOK, seqno, []byte("E"))
	})
	srv.AddListener("/x/", func(s *Session, seqno uint16, url string, payload []byte) {
		srv.Reply(s.ID(), wire.StatusOK, seqno, []byte("P"))
	})

	conn, _ := handshake(t, addr)
	defer conn.Close()

	callAndExpect := func(url, want string) {
		buf, _ := wire.Encode(wire.TypeRPC, 0, 2, []byte(url), nil)
		_, _ = conn.Write(buf)
		hdr := make([]byte, wire.HeaderLength)
		_, err := readFull(conn, hdr)
		require.NoError(t, err)
		dataLen := binary.BigEndian.Uint32(hdr[8:12])
		payload := make([]byte, dataLen)
		_, _ = readFull(conn, payload)
		require.Equal(t, want, string(payload))
	}

	callAndExpect("/x/y", "E")
	callAndExpect("/x/z", "P")

	buf, _ := wire.Encode(wire.TypeRPC, 0, 3, []byte("/q"), nil)
	_, _ = conn.Write(buf)
	hdr := make([]byte, wire.HeaderLength)
	_, err := readFull(conn, hdr)
	require.NoError(t, err)
	require.Equal(t, wire.StatusInvalidURL, hdr[3])
}
