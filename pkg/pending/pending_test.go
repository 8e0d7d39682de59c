package pending

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveAndPop(t *testing.T) {
	tbl := NewTable()
	seqno, err := tbl.Reserve(KindRPC, 60000, func(ok bool, status uint8, payload []byte) {})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())

	e, ok := tbl.Pop(seqno)
	require.True(t, ok)
	require.Equal(t, KindRPC, e.Kind)
	require.Equal(t, 0, tbl.Len())

	_, ok = tbl.Pop(seqno)
	require.False(t, ok)
}

func TestReserveExhaustion(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < SlowLaneSize; i++ {
		_, err := tbl.Reserve(KindRPC, 1000, nil)
		require.NoError(t, err)
	}
	_, err := tbl.Reserve(KindRPC, 1000, nil)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestTickExpiresEntries(t *testing.T) {
	tbl := NewTable()
	fired := false
	_, err := tbl.Reserve(KindRPC, 200, func(ok bool, status uint8, payload []byte) {
		fired = ok
	})
	require.NoError(t, err)

	expired := tbl.Tick(100)
	require.Empty(t, expired)
	expired = tbl.Tick(100)
	require.Len(t, expired, 1)

	expired[0].Callback(false, 0, nil)
	require.False(t, fired)
	require.Equal(t, 0, tbl.Len())
}

func TestAbortAllFiresRPCAndDropsResult(t *testing.T) {
	tbl := NewTable()
	var rpcCalled bool
	_, err := tbl.Reserve(KindRPC, 60000, func(ok bool, status uint8, payload []byte) {
		rpcCalled = true
		require.False(t, ok)
		require.Nil(t, payload)
	})
	require.NoError(t, err)

	var resultCalled bool
	_, err = tbl.Reserve(KindResult, 60000, func(ok bool, status uint8, payload []byte) {
		resultCalled = true
	})
	require.NoError(t, err)

	tbl.AbortAll()
	require.True(t, rpcCalled)
	require.False(t, resultCalled)
	require.Equal(t, 0, tbl.Len())
}

func TestReserveUsesFastPoolBeforeScanning(t *testing.T) {
	tbl := NewTable()
	seen := make(map[uint16]bool)
	for i := 0; i < FastPoolSize; i++ {
		seqno, err := tbl.Reserve(KindRPC, 1000, nil)
		require.NoError(t, err)
		require.Less(t, seqno, uint16(FastPoolSize))
		seen[seqno] = true
	}
	require.Len(t, seen, FastPoolSize)
	require.Equal(t, 0, tbl.poolLen)

	// Freeing a fast-pool slot returns it to the pool for reuse.
	var freed uint16
	for seqno := range seen {
		freed = seqno
		break
	}
	_, ok := tbl.Pop(freed)
	require.True(t, ok)
	require.Equal(t, 1, tbl.poolLen)

	reused, err := tbl.Reserve(KindRPC, 1000, nil)
	require.NoError(t, err)
	require.Equal(t, freed, reused)
}

func TestNextFastSeqnoNeverCollidesWithSlowLane(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 10; i++ {
		fast := tbl.NextFastSeqno()
		require.GreaterOrEqual(t, fast, uint16(1<<8))
	}
}
