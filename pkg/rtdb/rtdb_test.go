package rtdb

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	db := New(4)
	err := db.Set("speed", "42", 0, "can0", "ecu1")
	require.NoError(t, err)

	rec, ok := db.Get("speed")
	require.True(t, ok)
	require.Equal(t, "42", rec.Value)
	require.EqualValues(t, 1, rec.Version)
	require.NotZero(t, rec.TimestampMs)
}

func TestVersionMonotonic(t *testing.T) {
	db := New(4)
	require.NoError(t, db.Set("k", "1", 0, "", ""))
	first, _ := db.Get("k")
	require.NoError(t, db.Set("k", "2", 0, "", ""))
	second, _ := db.Get("k")
	require.Greater(t, second.Version, first.Version)
}

func TestGetManyGroupsAcrossShards(t *testing.T) {
	db := New(4)
	for i := 0; i < 16; i++ {
		require.NoError(t, db.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), 0, "", ""))
	}
	recs := db.GetMany([]string{"k0", "k5", "k15", "missing"})
	require.Len(t, recs, 3)
}

func TestUpdateCallbackFiresAfterWrite(t *testing.T) {
	db := New(2)
	var got TagRecord
	id := db.AddUpdateCallback(func(rec TagRecord) { got = rec })
	require.NoError(t, db.Set("speed", "88", 0, "", ""))
	require.Equal(t, "88", got.Value)

	require.True(t, db.RemoveUpdateCallback(id))
	require.False(t, db.RemoveUpdateCallback(id))
}

func TestConcurrentWritesPreserveMonotonicVersionsAndStats(t *testing.T) {
	db := New(0)
	const writers = 16
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("k%d", id)
			for i := 0; i < perWriter; i++ {
				require.NoError(t, db.Set(name, fmt.Sprintf("v%d", i), 0, "", ""))
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		rec, ok := db.Get(fmt.Sprintf("k%d", w))
		require.True(t, ok)
		require.EqualValues(t, perWriter, rec.Version)
	}
	require.EqualValues(t, writers*perWriter, db.Stats().Writes)
}

func TestHealthOK(t *testing.T) {
	db := New(4)
	ok, reason := db.Health(context.Background())
	require.True(t, ok)
	require.Empty(t, reason)
}
