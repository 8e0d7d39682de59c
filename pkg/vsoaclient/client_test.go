package vsoaclient_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fieldforge/vsoa/pkg/broker"
	"github.com/fieldforge/vsoa/pkg/vsoaclient"
	"github.com/fieldforge/vsoa/pkg/wire"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*broker.Server, string) {
	t.Helper()
	srv := broker.New(broker.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	go func() { _ = srv.Serve(ctx, "tcp", addr) }()
	t.Cleanup(func() { _ = srv.Close() })

	for i := 0; i < 100; i++ {
		if c, err := net.Dial("tcp", addr); err == nil {
			_ = c.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, addr
}

func connectClient(t *testing.T, addr string) *vsoaclient.Client {
	t.Helper()
	cl := vsoaclient.New(nil)
	err := cl.Connect(context.Background(), "tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(cl.Disconnect)
	return cl
}

func TestClientHandshakeAndIsConnected(t *testing.T) {
	_, addr := startServer(t)
	cl := connectClient(t, addr)
	require.True(t, cl.IsConnected())
	require.NotZero(t, cl.ID())
}

func TestClientRPCRoundTrip(t *testing.T) {
	srv, addr := startServer(t)
	srv.AddListener("/echo", func(s *broker.Session, seqno uint16, url string, payload []byte) {
		srv.Reply(s.ID(), wire.StatusOK, seqno, payload)
	})
	cl := connectClient(t, addr)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotOK bool
	var gotPayload []byte
	cl.Call("/echo", []byte("ping"), time.Second, func(ok bool, status uint8, payload []byte) {
		gotOK = ok
		gotPayload = append([]byte(nil), payload...)
		wg.Done()
	})
	wg.Wait()

	require.True(t, gotOK)
	require.Equal(t, "ping", string(gotPayload))
}

func TestClientRPCTimeoutThenSucceedsAgain(t *testing.T) {
	srv, addr := startServer(t)
	block := make(chan struct{})
	srv.AddListener("/slow", func(s *broker.Session, seqno uint16, url string, payload []byte) {
		<-block
		srv.Reply(s.ID(), wire.StatusOK, seqno, nil)
	})
	cl := connectClient(t, addr)

	var wg sync.WaitGroup
	wg.Add(1)
	var timedOut bool
	cl.Call("/slow", nil, 150*time.Millisecond, func(ok bool, status uint8, payload []byte) {
		timedOut = !ok
		wg.Done()
	})
	wg.Wait()
	require.True(t, timedOut)
	close(block)

	srv.AddListener("/fast", func(s *broker.Session, seqno uint16, url string, payload []byte) {
		srv.Reply(s.ID(), wire.StatusOK, seqno, nil)
	})
	wg.Add(1)
	var secondOK bool
	cl.Call("/fast", nil, time.Second, func(ok bool, status uint8, payload []byte) {
		secondOK = ok
		wg.Done()
	})
	wg.Wait()
	require.True(t, secondOK)
}

func TestClientSubscribeReceivesPublish(t *testing.T) {
	srv, addr := startServer(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotURL, gotPayload string
	cl := vsoaclient.New(func(url string, payload []byte) {
		gotURL = url
		gotPayload = string(payload)
		wg.Done()
	})
	require.NoError(t, cl.Connect(context.Background(), "tcp", addr, time.Second))
	t.Cleanup(cl.Disconnect)

	var subWg sync.WaitGroup
	subWg.Add(1)
	var subOK bool
	cl.Subscribe("/tele/", time.Second, func(success bool) {
		subOK = success
		subWg.Done()
	})
	subWg.Wait()
	require.True(t, subOK)

	time.Sleep(20 * time.Millisecond)
	require.True(t, srv.Publish("/tele/speed", []byte("42")))

	wg.Wait()
	require.Equal(t, "/tele/speed", gotURL)
	require.Equal(t, "42", gotPayload)
}
