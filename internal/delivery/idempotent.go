package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const idempotencyKeyPrefix = "push:idempotency:"

// IdempotentSender claims each push's idempotency key in Redis before
// delegating, so a retried execution never double-sends. When Redis is
// unreachable the push goes out unguarded.
type IdempotentSender struct {
	next   Sender
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewIdempotentSender(next Sender, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *IdempotentSender {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotentSender{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (s *IdempotentSender) Send(ctx context.Context, p Push) error {
	if p.IdempotencyKey == "" {
		return s.next.Send(ctx, p)
	}
	key := idempotencyKeyPrefix + p.IdempotencyKey

	claimed, err := s.rdb.SetNX(ctx, key, "processing", s.ttl).Result()
	if err != nil {
		s.logger.Warn("idempotency check failed, sending unguarded",
			zap.String("user_id", p.UserID),
			zap.Error(err),
		)
		return s.next.Send(ctx, p)
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.IdempotencyKey)
	}

	if err := s.next.Send(ctx, p); err != nil {
		// release so a later retry can deliver
		if delErr := s.rdb.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			s.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(delErr))
		}
		return err
	}
	if err := s.rdb.Set(ctx, key, "sent", s.ttl).Err(); err != nil {
		s.logger.Warn("failed to mark push as sent", zap.String("key", key), zap.Error(err))
	}
	return nil
}
