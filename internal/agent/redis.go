// ABOUTME: Agent Service client that queues requests on a Redis stream
// ABOUTME: Replies arrive on a per-request Pub/Sub channel keyed by a gateway-generated request id

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis defaults.
const (
	DefaultStream      = "agent:requests"
	DefaultReplyPrefix = "agent:reply:"
)

// RedisService hands requests to workers consuming a Redis stream.
type RedisService struct {
	rdb         *redis.Client
	stream      string
	replyPrefix string
}

// NewRedisService connects to the Redis instance at url (redis://host:port/db).
func NewRedisService(url, stream, replyPrefix string) (*RedisService, error) {
	if url == "" {
		return nil, errors.New("agent redis_url is required for the redis backend")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return newRedisService(redis.NewClient(opts), stream, replyPrefix), nil
}

func newRedisService(rdb *redis.Client, stream, replyPrefix string) *RedisService {
	if stream == "" {
		stream = DefaultStream
	}
	if replyPrefix == "" {
		replyPrefix = DefaultReplyPrefix
	}
	return &RedisService{rdb: rdb, stream: stream, replyPrefix: replyPrefix}
}

// ReplyChannel is where a worker publishes the Result for requestID.
func (s *RedisService) ReplyChannel(requestID string) string {
	return s.replyPrefix + requestID
}

// queued is a request ready for XADD.
type queued struct {
	requestID string
	replyTo   string
	values    map[string]interface{}
}

// prepare assigns req a fresh request id. Client envelope ids are not unique
// across connections, so they never name the reply channel.
func (s *RedisService) prepare(req *Request) (*queued, error) {
	r := *req
	r.RequestID = uuid.NewString()
	body, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	replyTo := s.ReplyChannel(r.RequestID)
	return &queued{
		requestID: r.RequestID,
		replyTo:   replyTo,
		values: map[string]interface{}{
			"request":        string(body),
			"request_id":     r.RequestID,
			"correlation_id": r.CorrelationID,
			"reply_to":       replyTo,
		},
	}, nil
}

// Process implements Service.
func (s *RedisService) Process(ctx context.Context, req *Request) (*Result, error) {
	q, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	// Pub/Sub only delivers to existing subscribers, so subscribe before queueing
	sub := s.rdb.Subscribe(ctx, q.replyTo)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribing to reply channel: %w", err)
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: q.values,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("queueing request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, errors.New("reply channel closed")
		}
		return decodeReply(msg.Payload)
	}
}

// Ping checks connectivity to Redis.
func (s *RedisService) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisService) Close() error {
	return s.rdb.Close()
}

func decodeReply(payload string) (*Result, error) {
	var res Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return checkResult(&res)
}
