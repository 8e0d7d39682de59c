package wspush_test

import (
	"context"
	"testing"
	"time"

	"github.com/fieldforge/vsoa/pkg/rtdb"
	"github.com/fieldforge/vsoa/pkg/wspush"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startPushServer(t *testing.T) (*wspush.Server, string) {
	t.Helper()
	srv := wspush.New()
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	// Start binds its own listener with port 0 and does not expose the
	// bound port, so this helper returns an empty address.
	return srv, ""
}

func TestPingPong(t *testing.T) {
	srv := wspush.New()
	require.NoError(t, srv.Start("127.0.0.1:18181"))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	time.Sleep(20 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:18181/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("PING")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "PONG", string(msg))
}

func TestBroadcastPointUpdateToMatchingSubscriber(t *testing.T) {
	srv := wspush.New()
	require.NoError(t, srv.Start("127.0.0.1:18182"))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	db := rtdb.New(0)
	srv.RegisterRTDB(db)
	time.Sleep(20 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:18182/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("SUBSCRIBE /tele/")))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, db.Set("/tele/speed", "42", 0, "drv", "dev"))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "POINT_UPDATE", frame["event"])
	require.Equal(t, "/tele/speed", frame["name"])
	require.Equal(t, "42", frame["value"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := wspush.New()
	require.NoError(t, srv.Start("127.0.0.1:18183"))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	db := rtdb.New(0)
	srv.RegisterRTDB(db)
	time.Sleep(20 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:18183/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("SUBSCRIBE /tele/")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("UNSUBSCRIBE /tele/")))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, db.Set("/tele/speed", "42", 0, "drv", "dev"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}
