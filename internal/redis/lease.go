package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leaseKeyPrefix = "dripmail:claim:"

// releaseScript deletes the lease only if it is still held by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseService hands out short-lived exclusive claims on ongoing sequences so
// that two workers never advance the same recipient at once.
type LeaseService struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewLeaseService creates a lease service. The ttl bounds how long a crashed
// worker can hold a claim.
func NewLeaseService(client *Client, ttl time.Duration, logger *zap.Logger) *LeaseService {
	return &LeaseService{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Claim tries to take the lease for id. When ok is false another worker holds
// it and release is nil. The returned release is safe to call after the lease
// has expired and been taken by someone else.
func (s *LeaseService) Claim(ctx context.Context, id uuid.UUID) (func(), bool, error) {
	key := leaseKeyPrefix + id.String()
	token := uuid.NewString()

	ok, err := s.client.rdb.SetNX(ctx, key, token, s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// detached so a cancelled job context still frees the lease
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := releaseScript.Run(rctx, s.client.rdb, []string{key}, token).Err(); err != nil {
			s.logger.Warn("failed to release claim",
				zap.Error(err),
				zap.String("ongoing_sequence_id", id.String()),
			)
		}
	}

	return release, true, nil
}
