// SPDX-License-Identifier: MIT

package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token bucket over redis. The bucket refills at rate tokens per second up
// to burst, and is stored as (tokens, last-refill-ms) in a hash. The script
// is atomic, so concurrent handlers on different processes cannot overdraw.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = now_ms
end

local elapsed = math.max(0, now_ms - ts) / 1000.0
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_ms = math.ceil((cost - tokens) / rate * 1000)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now_ms)
redis.call("PEXPIRE", key, math.ceil(burst / rate * 2000))
return {allowed, retry_ms}
`)

// TakeToken draws one token from the named bucket. When the bucket is empty
// it returns allowed=false and a retry-after hint.
func (s *Store) TakeToken(ctx context.Context, key string, rate float64, burst int) (allowed bool, retryAfter time.Duration, err error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, s.client, []string{"bucket:" + key}, rate, burst, now, 1).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("take token %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("take token %s: unexpected script reply", key)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
