package resultchan

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

func newRedisChannel(t *testing.T) (*RedisChannel, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { client.Close() })
	return NewRedisChannel(client, "test", WithBlockTimeout(time.Second)), mr
}

func TestRedisChannelConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Channel {
		ch, _ := newRedisChannel(t)
		return ch
	})
}

func TestRedisKeysAndTTL(t *testing.T) {
	ch, mr := newRedisChannel(t)
	ctx := context.Background()
	require.NoError(t, ch.Publish(ctx, okMessage(12, "classical", 2)))

	assert.True(t, mr.Exists("test:12:classical:results"))
	assert.True(t, mr.Exists("test:12:classical:seen"))
	assert.Greater(t, mr.TTL("test:12:classical:results"), time.Duration(0))

	require.NoError(t, ch.Cancel(ctx, Key{RunID: 12, Phase: "classical"}))
	assert.False(t, mr.Exists("test:12:classical:results"))
	assert.True(t, mr.Exists("test:12:classical:cancelled"))
}

func TestRedisCorruptedListItems(t *testing.T) {
	ch, mr := newRedisChannel(t)
	ctx := context.Background()
	list := "test:14:classical:results"

	testCases := []struct {
		name      string
		item      string
		wantIndex types.TaskIndex
	}{
		{"broken json", "3 {not json", 3},
		{"index mismatch", `4 {"run_id":14,"phase":"classical","index":9,"status":"ok"}`, 4},
		{"bad payload", `5 {"run_id":14,"phase":"classical","index":5,"status":"ok","payload":{"x":{"@int":"abc"}}}`, 5},
		{"no index", "garbage", 0},
	}
	for _, tc := range testCases {
		_, err := mr.RPush(list, tc.item)
		require.NoError(t, err)
	}
	require.NoError(t, ch.Publish(ctx, okMessage(14, "classical", 1)))

	sub, err := ch.Subscribe(ctx, Key{RunID: 14, Phase: "classical"})
	require.NoError(t, err)
	defer sub.Close()

	for _, tc := range testCases {
		if tc.wantIndex == 0 {
			continue
		}
		t.Run(tc.name, func(t *testing.T) {
			msg, err := nextWithin(t, sub, 5*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tc.wantIndex, msg.Index)
			assert.Equal(t, types.ResultError, msg.Status)
			assert.Equal(t, types.RunID(14), msg.RunID)
			assert.Contains(t, msg.Error, "corrupted result message")
		})
	}

	// 無法辨識的元素被略過，後面的正常結果照常交付
	msg, err := nextWithin(t, sub, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.TaskIndex(1), msg.Index)
	assert.Equal(t, types.ResultOK, msg.Status)
	assert.Equal(t, 0.5, msg.Payload["rate"])
}

func TestRedisEndpointAndDial(t *testing.T) {
	ch, mr := newRedisChannel(t)
	ep := ch.Endpoint()
	assert.Equal(t, types.TransportRedis, ep.Transport)
	assert.Equal(t, mr.Addr(), ep.Address)
	assert.Equal(t, "test", ep.Namespace)

	// worker 端透過 endpoint 連線，發布的訊息由 governing 端收到
	pub, err := Dial(ep, t.TempDir())
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish(context.Background(), okMessage(13, "classical", 1)))

	sub, err := ch.Subscribe(context.Background(), Key{RunID: 13, Phase: "classical"})
	require.NoError(t, err)
	msg, err := nextWithin(t, sub, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.TaskIndex(1), msg.Index)
}

func TestDialRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := DialRedis(addr, "")
	assert.Error(t, err)
}
