package resultchan

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

const defaultNamespace = "oqdist"

// publishScript 原子性地檢查取消標記與重複 index，再推入結果列表
//
//	KEYS[1] results list  KEYS[2] seen hash  KEYS[3] cancel flag
//	ARGV[1] index  ARGV[2] message  ARGV[3] ttl seconds
//
// 列表元素為 "<index> <message>"，訊息損毀時仍能對應到任務。
var publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return -1 end
if redis.call('HSETNX', KEYS[2], ARGV[1], 1) == 0 then return 0 end
redis.call('RPUSH', KEYS[1], ARGV[1] .. ' ' .. ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`)

// RedisChannel is the Redis transport.
type RedisChannel struct {
	client    *redis.Client
	addr      string
	namespace string
	ttl       time.Duration
	block     time.Duration
	owned     bool
	log       *zap.Logger
}

// RedisOption configures a RedisChannel.
type RedisOption func(*RedisChannel)

// WithBlockTimeout bounds each BLPOP so Next can notice cancellation.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(c *RedisChannel) {
		if d > 0 {
			c.block = d
		}
	}
}

// WithTTL sets how long keys outlive their last write.
func WithTTL(d time.Duration) RedisOption {
	return func(c *RedisChannel) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(c *RedisChannel) { c.log = l }
}

// NewRedisChannel wraps an existing client. The caller keeps ownership of it.
// The client should have ContextTimeoutEnabled so a blocked Next honours ctx.
func NewRedisChannel(client *redis.Client, namespace string, opts ...RedisOption) *RedisChannel {
	if namespace == "" {
		namespace = defaultNamespace
	}
	c := &RedisChannel{
		client:    client,
		addr:      client.Options().Addr,
		namespace: namespace,
		ttl:       7 * 24 * time.Hour,
		block:     time.Second,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialRedis connects to addr and owns the client.
func DialRedis(addr, namespace string, opts ...RedisOption) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, ContextTimeoutEnabled: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("resultchan: connect redis %s: %w", addr, err)
	}
	c := NewRedisChannel(client, namespace, opts...)
	c.owned = true
	return c, nil
}

func (c *RedisChannel) prefix(key Key) string {
	return fmt.Sprintf("%s:%d:%s", c.namespace, key.RunID, key.Phase)
}

func (c *RedisChannel) listKey(key Key) string   { return c.prefix(key) + ":results" }
func (c *RedisChannel) seenKey(key Key) string   { return c.prefix(key) + ":seen" }
func (c *RedisChannel) cancelKey(key Key) string { return c.prefix(key) + ":cancelled" }

// Publish pushes msg unless its key is cancelled or its index already seen.
func (c *RedisChannel) Publish(ctx context.Context, msg types.ResultMessage) error {
	if err := validate(msg); err != nil {
		return err
	}
	key := KeyOf(msg)
	data, err := marshalMessage(msg)
	if err != nil {
		return fmt.Errorf("resultchan: marshal message: %w", err)
	}

	keys := []string{c.listKey(key), c.seenKey(key), c.cancelKey(key)}
	res, err := publishScript.Run(ctx, c.client, keys,
		strconv.Itoa(int(msg.Index)), string(data), int(c.ttl.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("resultchan: redis publish: %w", err)
	}
	switch res {
	case -1:
		return cancelledError("resultchan.publish", key)
	case 0:
		return ErrDuplicate
	}
	return nil
}

// Subscribe returns a BLPOP-based subscription.
func (c *RedisChannel) Subscribe(ctx context.Context, key Key) (Subscription, error) {
	return &redisSubscription{channel: c, key: key}, nil
}

// Cancel sets the flag and drops buffered messages. Idempotent.
func (c *RedisChannel) Cancel(ctx context.Context, key Key) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.cancelKey(key), 1, c.ttl)
		p.Del(ctx, c.listKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("resultchan: redis cancel: %w", err)
	}
	c.log.Info("result channel cancelled", zap.Stringer("key", key))
	return nil
}

// Endpoint points workers at the same server and namespace.
func (c *RedisChannel) Endpoint() types.Endpoint {
	return types.Endpoint{Transport: types.TransportRedis, Address: c.addr, Namespace: c.namespace}
}

func (c *RedisChannel) Close() error {
	if c.owned {
		return c.client.Close()
	}
	return nil
}

type redisSubscription struct {
	channel *RedisChannel
	key     Key
	closed  bool
}

func (s *redisSubscription) Next(ctx context.Context) (types.ResultMessage, error) {
	c := s.channel
	for {
		if s.closed {
			return types.ResultMessage{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return types.ResultMessage{}, err
		}
		n, err := c.client.Exists(ctx, c.cancelKey(s.key)).Result()
		if err != nil {
			if ctxErr := expired(ctx); ctxErr != nil {
				return types.ResultMessage{}, ctxErr
			}
			return types.ResultMessage{}, fmt.Errorf("resultchan: redis exists: %w", err)
		}
		if n > 0 {
			return types.ResultMessage{}, cancelledError("resultchan.next", s.key)
		}

		res, err := c.client.BLPop(ctx, c.block, c.listKey(s.key)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := expired(ctx); ctxErr != nil {
				return types.ResultMessage{}, ctxErr
			}
			return types.ResultMessage{}, fmt.Errorf("resultchan: redis blpop: %w", err)
		}

		msg, ok := s.decode(res[1])
		if !ok {
			continue
		}
		return msg, nil
	}
}

// decode 解析列表元素。訊息損毀時回傳該 index 的錯誤結果；
// 連 index 都無法解析的元素只記錄並略過，該任務最終由逾時處理。
func (s *redisSubscription) decode(item string) (types.ResultMessage, bool) {
	prefix, body, _ := strings.Cut(item, " ")
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 1 {
		s.channel.log.Error("unreadable result list item",
			zap.Stringer("key", s.key), zap.Int("bytes", len(item)))
		return types.ResultMessage{}, false
	}
	index := types.TaskIndex(n)
	msg, err := unmarshalMessage([]byte(body))
	if err == nil && msg.Index != index {
		err = fmt.Errorf("index %d under list entry %d", msg.Index, index)
	}
	if err != nil {
		s.channel.log.Error("unreadable result message",
			zap.Stringer("key", s.key), zap.Int("index", n), zap.Error(err))
		return types.ResultMessage{
			RunID: s.key.RunID, Phase: s.key.Phase, Index: index,
			Status: types.ResultError, Error: fmt.Sprintf("corrupted result message: %v", err),
		}, true
	}
	return msg, true
}

// expired reports ctx as done once its deadline passed, even if the read
// deadline on the connection fired a moment before the context timer.
func expired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}

func (s *redisSubscription) Close() error {
	s.closed = true
	return nil
}
