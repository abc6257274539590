package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/attestry/proofgate/go/fault"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis) {
	var mr = miniredis.RunT(t)
	return NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestStringsWithTTL(t *testing.T) {
	var store, mr = newTestStore(t)
	var ctx = context.Background()

	require.NoError(t, store.Set(ctx, "signing:abc", `{"status":"pending"}`, 5*time.Minute))

	value, err := store.Get(ctx, "signing:abc")
	require.NoError(t, err)
	require.Equal(t, `{"status":"pending"}`, value)

	// Past the TTL the key is gone.
	mr.FastForward(6 * time.Minute)
	_, err = store.Get(ctx, "signing:abc")
	require.True(t, fault.Is(err, fault.NotFound))
}

func TestGetMissingIsNotFound(t *testing.T) {
	var store, _ = newTestStore(t)
	var _, err = store.Get(context.Background(), "nope")
	require.True(t, fault.Is(err, fault.NotFound))
}

func TestListQueueSemantics(t *testing.T) {
	var store, _ = newTestStore(t)
	var ctx = context.Background()

	require.NoError(t, store.RPush(ctx, "a2a:queue:submitted", "t1", "t2"))

	id, err := store.LPop(ctx, "a2a:queue:submitted")
	require.NoError(t, err)
	require.Equal(t, "t1", id)

	id, err = store.LPop(ctx, "a2a:queue:submitted")
	require.NoError(t, err)
	require.Equal(t, "t2", id)

	_, err = store.LPop(ctx, "a2a:queue:submitted")
	require.True(t, fault.Is(err, fault.NotFound))
}

func TestPubSubDeliversInOrder(t *testing.T) {
	var store, _ = newTestStore(t)
	var ctx = context.Background()

	sub, err := store.Subscribe(ctx, "flow:events:f1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "flow:events:f1", "one"))
	require.NoError(t, store.Publish(ctx, "flow:events:f1", "two"))

	require.Equal(t, "one", <-sub.C())
	require.Equal(t, "two", <-sub.C())
}

func TestJSONRoundTrip(t *testing.T) {
	var store, _ = newTestStore(t)
	var ctx = context.Background()

	type record struct {
		ID    string `json:"id"`
		Scope string `json:"scope"`
	}
	require.NoError(t, SetJSON(ctx, store, "k", record{ID: "r1", Scope: "e2e.app"}, time.Minute))

	var out record
	require.NoError(t, GetJSON(ctx, store, "k", &out))
	require.Equal(t, record{ID: "r1", Scope: "e2e.app"}, out)
}
