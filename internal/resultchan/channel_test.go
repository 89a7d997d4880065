package resultchan

import (
	"context"
	"errors"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

func okMessage(run types.RunID, phase string, index int) types.ResultMessage {
	return types.ResultMessage{
		RunID:   run,
		Phase:   phase,
		Index:   types.TaskIndex(index),
		Status:  types.ResultOK,
		Payload: types.Args{"rate": float64(index) * 0.5},
		Usage:   types.Usage{Wall: time.Duration(index) * time.Millisecond},
		SentAt:  time.Now().UnixMilli(),
	}
}

func nextWithin(t *testing.T, sub Subscription, d time.Duration) (types.ResultMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Next(ctx)
}

// runConformance 每種傳輸都必須滿足相同的交付語意
func runConformance(t *testing.T, newChannel func(t *testing.T) Channel) {
	ctx := context.Background()

	t.Run("publish before subscribe", func(t *testing.T) {
		ch := newChannel(t)
		for _, i := range []int{3, 1, 2} {
			require.NoError(t, ch.Publish(ctx, okMessage(1, "classical", i)))
		}
		sub, err := ch.Subscribe(ctx, Key{RunID: 1, Phase: "classical"})
		require.NoError(t, err)
		defer sub.Close()

		var got []int
		for i := 0; i < 3; i++ {
			msg, err := nextWithin(t, sub, 5*time.Second)
			require.NoError(t, err)
			got = append(got, int(msg.Index))
			assert.Equal(t, 0.5*float64(msg.Index), msg.Payload["rate"])
		}
		sort.Ints(got)
		assert.Equal(t, []int{1, 2, 3}, got)
	})

	t.Run("subscribe before publish", func(t *testing.T) {
		ch := newChannel(t)
		sub, err := ch.Subscribe(ctx, Key{RunID: 2, Phase: "classical"})
		require.NoError(t, err)
		defer sub.Close()

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = ch.Publish(ctx, okMessage(2, "classical", 1))
		}()

		msg, err := nextWithin(t, sub, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, types.TaskIndex(1), msg.Index)
	})

	t.Run("duplicate index rejected", func(t *testing.T) {
		ch := newChannel(t)
		require.NoError(t, ch.Publish(ctx, okMessage(3, "classical", 1)))
		err := ch.Publish(ctx, okMessage(3, "classical", 1))
		assert.ErrorIs(t, err, ErrDuplicate)

		sub, err := ch.Subscribe(ctx, Key{RunID: 3, Phase: "classical"})
		require.NoError(t, err)
		defer sub.Close()
		_, err = nextWithin(t, sub, 5*time.Second)
		require.NoError(t, err)
		_, err = nextWithin(t, sub, 300*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancel rejects later publishes", func(t *testing.T) {
		ch := newChannel(t)
		key := Key{RunID: 4, Phase: "classical"}
		require.NoError(t, ch.Publish(ctx, okMessage(4, "classical", 1)))
		sub, err := ch.Subscribe(ctx, key)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, ch.Cancel(ctx, key))
		require.NoError(t, ch.Cancel(ctx, key))

		err = ch.Publish(ctx, okMessage(4, "classical", 2))
		assert.True(t, errors.Is(err, types.ErrCancelled), "got %v", err)

		_, err = nextWithin(t, sub, 5*time.Second)
		assert.True(t, errors.Is(err, types.ErrCancelled), "got %v", err)
	})

	t.Run("keys are isolated", func(t *testing.T) {
		ch := newChannel(t)
		require.NoError(t, ch.Publish(ctx, okMessage(5, "preclassical", 1)))
		sub, err := ch.Subscribe(ctx, Key{RunID: 5, Phase: "classical"})
		require.NoError(t, err)
		defer sub.Close()
		_, err = nextWithin(t, sub, 300*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("payload keeps Go types", func(t *testing.T) {
		ch := newChannel(t)
		payloads := []types.Args{
			{"count": 7, "seed": int64(1<<53 + 1)},
			{"poes": []float64{0.1, 0.02}, "sids": []int{4, 2}},
			{"summary": map[string]interface{}{"n": uint32(3), "mags": []interface{}{5.5, int64(6)}}},
			{"nested": types.Args{"weight": float32(0.25), "@raw": "kept"}},
		}
		for i, p := range payloads {
			msg := okMessage(8, "classical", i+1)
			msg.Payload = p
			require.NoError(t, ch.Publish(ctx, msg))
		}
		sub, err := ch.Subscribe(ctx, Key{RunID: 8, Phase: "classical"})
		require.NoError(t, err)
		defer sub.Close()

		got := make(map[types.TaskIndex]types.Args)
		for range payloads {
			msg, err := nextWithin(t, sub, 5*time.Second)
			require.NoError(t, err)
			got[msg.Index] = msg.Payload
		}
		for i, want := range payloads {
			assert.Equal(t, want, got[types.TaskIndex(i+1)], "index %d", i+1)
		}
	})

	t.Run("invalid message rejected", func(t *testing.T) {
		ch := newChannel(t)
		bad := okMessage(6, "classical", 0)
		assert.Error(t, ch.Publish(ctx, bad))
		bad = okMessage(6, "classical", 1)
		bad.Status = "maybe"
		assert.Error(t, ch.Publish(ctx, bad))
	})
}

func TestBrokerConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Channel {
		b := NewBroker(nil)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestFileChannelConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Channel {
		return NewFileChannel(ResultsDirUnder(t.TempDir()), WithScanInterval(20*time.Millisecond))
	})
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := NewBroker(nil)
	key := Key{RunID: 1, Phase: "classical"}
	_, err := b.Subscribe(context.Background(), key)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), key)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestBrokerSealAndClose(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(nil)
	key := Key{RunID: 1, Phase: "classical"}
	sub, err := b.Subscribe(ctx, key)
	require.NoError(t, err)

	b.Seal(key)
	assert.ErrorIs(t, b.Publish(ctx, okMessage(1, "classical", 1)), ErrClosed)
	_, err = nextWithin(t, sub, time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	other, err := b.Subscribe(ctx, Key{RunID: 2, Phase: "classical"})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := other.Next(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestFileChannelWorkerAndGoverningAgree(t *testing.T) {
	// worker 只知道 run 目錄，governing 端只知道 base 目錄
	base := t.TempDir()
	workDir := layout.RunDir(base, 9)
	worker := NewFileChannel(ResultsDirIn(workDir))
	governing := NewFileChannel(ResultsDirUnder(base), WithScanInterval(20*time.Millisecond))

	require.NoError(t, worker.Publish(context.Background(), okMessage(9, "classical", 4)))
	sub, err := governing.Subscribe(context.Background(), Key{RunID: 9, Phase: "classical"})
	require.NoError(t, err)
	defer sub.Close()

	msg, err := nextWithin(t, sub, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.TaskIndex(4), msg.Index)
	assert.FileExists(t, layout.ResultsDir(workDir, "classical")+"/4.json")
}

func TestFileChannelCorruptResultBecomesError(t *testing.T) {
	base := t.TempDir()
	ch := NewFileChannel(ResultsDirUnder(base), WithScanInterval(20*time.Millisecond))
	dir := layout.ResultsDir(layout.RunDir(base, 1), "classical")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(dir+"/2.json", []byte("{not json"), 0644))

	sub, err := ch.Subscribe(context.Background(), Key{RunID: 1, Phase: "classical"})
	require.NoError(t, err)
	defer sub.Close()
	msg, err := nextWithin(t, sub, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, msg.Failed())
	assert.Equal(t, types.TaskIndex(2), msg.Index)
}

func TestEndpointRoundTrip(t *testing.T) {
	workDir := t.TempDir()
	ep := types.Endpoint{Transport: types.TransportRedis, Address: "redis:6379", Namespace: "oq"}
	require.NoError(t, WriteEndpoint(workDir, "classical", ep))
	got, err := ReadEndpoint(workDir, "classical")
	require.NoError(t, err)
	assert.Equal(t, ep, got)

	_, err = ReadEndpoint(workDir, "postclassical")
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	pub, err := Dial(types.Endpoint{Transport: types.TransportFile}, t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, pub.Close())

	_, err = Dial(types.Endpoint{Transport: types.TransportMemory}, t.TempDir())
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = Dial(types.Endpoint{Transport: "carrier-pigeon"}, t.TempDir())
	assert.Error(t, err)
}
