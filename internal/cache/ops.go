package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/commitvault/internal/faults"
)

// ErrLocked is returned by Lock when another holder owns the key.
var ErrLocked = errors.New("cache: lock already held")

// unlockScript deletes the lock key only when it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Get returns the value at key, or nil when absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	rc, done, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	val, err := rc.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Transport("cache get", err)
	}
	return val, nil
}

// Set stores value at key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rc, done, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer done()
	return faults.Transport("cache set", rc.Set(ctx, key, value, ttl).Err())
}

// Delete removes keys and reports how many existed.
func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	rc, done, err := c.session(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	n, err := rc.Del(ctx, keys...).Result()
	if err != nil {
		return 0, faults.Transport("cache delete", err)
	}
	return n, nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	rc, done, err := c.session(ctx)
	if err != nil {
		return false, err
	}
	defer done()
	n, err := rc.Exists(ctx, key).Result()
	if err != nil {
		return false, faults.Transport("cache exists", err)
	}
	return n == 1, nil
}

// Scan returns every key matching the glob pattern.
func (c *Client) Scan(ctx context.Context, match string) ([]string, error) {
	rc, done, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rc.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, faults.Transport("cache scan", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Lock is a held advisory lock.
type Lock struct {
	client *Client
	key    string
	token  string
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }

// Lock acquires key for ttl. It returns ErrLocked when another holder owns
// it. The lock expires on its own if never released.
func (c *Client) Lock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	rc, done, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	token := uuid.NewString()
	ok, err := rc.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, faults.Transport("cache lock", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{client: c, key: key, token: token}, nil
}

// Unlock releases the lock if it is still ours and reports whether it was.
func (l *Lock) Unlock(ctx context.Context) (bool, error) {
	rc, done, err := l.client.session(ctx)
	if err != nil {
		return false, err
	}
	defer done()
	n, err := unlockScript.Run(ctx, rc, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, faults.Transport("cache unlock", err)
	}
	return n == 1, nil
}

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// ZAdd adds member to the sorted set at key.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	rc, done, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer done()
	return faults.Transport("cache zadd", rc.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRangeByScore returns members with min <= score <= max in ascending
// order. Bounds use redis syntax ("-inf", "+inf", "(5").
func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string) ([]ScoredMember, error) {
	rc, done, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	zs, err := rc.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, faults.Transport("cache zrange", err)
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

// RPush appends value to the list at key.
func (c *Client) RPush(ctx context.Context, key string, value []byte) error {
	rc, done, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer done()
	return faults.Transport("cache rpush", rc.RPush(ctx, key, value).Err())
}

// LPop removes and returns the head of the list at key, or nil when empty.
func (c *Client) LPop(ctx context.Context, key string) ([]byte, error) {
	rc, done, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	val, err := rc.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Transport("cache lpop", err)
	}
	return val, nil
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	rc, done, err := c.session(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	n, err := rc.LLen(ctx, key).Result()
	if err != nil {
		return 0, faults.Transport("cache llen", err)
	}
	return n, nil
}
