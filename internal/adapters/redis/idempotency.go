package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-admission/internal/idempotency"
)

const idempotencyPrefix = "idemp:"

// Idempotency stores replayable scan responses. The first response stored
// under a key wins until it expires.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

func (i *Idempotency) Get(ctx context.Context, key string) (*idempotency.Response, error) {
	raw, err := i.client.Get(ctx, idempotencyPrefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "redis get idempotent response")
	}
	var stored idempotency.Response
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errors.Wrapf(err, "decode idempotent response %q", key)
	}
	return &stored, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp idempotency.Response, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode idempotent response")
	}
	if err := i.client.SetNX(ctx, idempotencyPrefix+key, raw, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis store idempotent response")
	}
	return nil
}
