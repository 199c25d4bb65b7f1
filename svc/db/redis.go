package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"permapaste/cfg"
	"permapaste/pkg/ledger"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const recordKeyPrefix = "record:"

// Redis is the shared record cache and the global rate limit window.
// Records are immutable, so cached entries are only evicted by TTL.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedis connects and pings the server. Credentials and TLS settings
// come from c; url carries only the address and database.
func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	tuneRedisPool(opt)
	if c.RedisTLS {
		if opt.TLSConfig, err = redisTLS(c); err != nil {
			return nil, errors.Wrap(err, "redis tls")
		}
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if pw := c.RedisPassword.Value(); pw != "" {
		opt.Password = pw
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{client: client, timeout: c.RedisTimeout}, nil
}

func tuneRedisPool(opt *redis.Options) {
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
}

// redisTLS pins TLS 1.3 and trusts either the configured CA or the system
// pool. A dev CA is appended only outside production.
func redisTLS(c *cfg.Cfg) (*tls.Config, error) {
	if c.RedisHostname == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	pool, err := x509.SystemCertPool()
	if c.RedisCACert != "" {
		pool, err = x509.NewCertPool(), nil
		if err = appendPEM(pool, c.RedisCACert); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "load system cert pool")
	}
	if c.Environment != "production" && c.RedisDevCA != "" {
		if err := appendPEM(pool, c.RedisDevCA); err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
		ServerName: c.RedisHostname,
		RootCAs:    pool,
	}, nil
}

func appendPEM(pool *x509.CertPool, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read CA %s", path)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("no certificates in %s", path)
	}
	return nil
}

func (r *Redis) CacheRecord(ctx context.Context, rec *ledger.Record, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	return errors.Wrap(r.client.Set(ctx, recordKeyPrefix+rec.ID, data, ttl).Err(), "set record")
}

// GetRecord returns nil, nil on a cache miss.
func (r *Redis) GetRecord(ctx context.Context, id string) (*ledger.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, recordKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get record")
	}
	var rec ledger.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal record")
	}
	return &rec, nil
}

// windowScript counts a request unless the window is already full, so
// rejected requests do not extend the count.
var windowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[2]) then
	return current
end
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (r *Redis) CountWindow(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := windowScript.Run(ctx, r.client, []string{"window:" + key}, window.Milliseconds(), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "count window")
	}
	return usage, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
