package backend

import (
	"context"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// RedisConfig configures the Redis KS backend: one hash per key under
// ks:key:{id}, an INCR counter for the monotonic key_id sequence, and
// native key TTL via EXPIRE doing the work of CleanupExpired.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBackend is a KS storage backend over Redis.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend constructs a backend around an existing client (so
// tests can pass a miniredis-backed client).
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// NewRedisBackendFromConfig dials a standalone Redis instance.
func NewRedisBackendFromConfig(cfg RedisConfig) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

const redisKeyIDSeq = "ks:key_id_seq"

func redisKeyHash(id uint32) string {
	return "ks:key:" + strconv.FormatUint(uint64(id), 10)
}

func (b *RedisBackend) Init(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "pinging redis"))
	}
	return nil
}

func (b *RedisBackend) GenerateAndStore(ctx context.Context, publicKeyB64, secretCiphertextB64 string, ttl time.Duration, now time.Time) (Record, error) {
	id, err := b.client.Incr(ctx, redisKeyIDSeq).Result()
	if err != nil {
		return Record{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "incrementing key id sequence"))
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}

	hashKey := redisKeyHash(uint32(id))
	fields := map[string]interface{}{
		"public_key_b64":        publicKeyB64,
		"secret_ciphertext_b64": secretCiphertextB64,
		"created_at":            now.Unix(),
		"expires_at":            expiresAt,
	}
	if err := b.client.HSet(ctx, hashKey, fields).Err(); err != nil {
		return Record{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "storing key hash"))
	}
	if ttl > 0 {
		// Redis's own expiry does the work CleanupExpired would
		// otherwise have to perform with an explicit sweep.
		if err := b.client.Expire(ctx, hashKey, ttl).Err(); err != nil {
			return Record{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "setting key ttl"))
		}
	}

	rec := Record{
		KeyID:                  uint32(id),
		PublicKeyB64:           publicKeyB64,
		SecretKeyCiphertextB64: secretCiphertextB64,
		CreatedAt:              now,
	}
	if expiresAt > 0 {
		rec.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return rec, nil
}

func (b *RedisBackend) GetPublic(ctx context.Context, keyID uint32) (string, bool, error) {
	rec, ok, err := b.GetRecord(ctx, keyID)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.PublicKeyB64, true, nil
}

func (b *RedisBackend) GetSecret(ctx context.Context, keyID uint32) (string, bool, error) {
	rec, ok, err := b.GetRecord(ctx, keyID)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.SecretKeyCiphertextB64, true, nil
}

func (b *RedisBackend) GetRecord(ctx context.Context, keyID uint32) (Record, bool, error) {
	res, err := b.client.HGetAll(ctx, redisKeyHash(keyID)).Result()
	if err != nil {
		return Record{}, false, errkind.Wrap(errkind.Storage, trace.Wrap(err, "reading key hash"))
	}
	if len(res) == 0 {
		return Record{}, false, nil
	}
	createdAt, _ := strconv.ParseInt(res["created_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(res["expires_at"], 10, 64)
	rec := Record{
		KeyID:                  keyID,
		PublicKeyB64:           res["public_key_b64"],
		SecretKeyCiphertextB64: res["secret_ciphertext_b64"],
		CreatedAt:              time.Unix(createdAt, 0),
	}
	if expiresAt > 0 {
		rec.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return rec, true, nil
}

func (b *RedisBackend) Count(ctx context.Context) (uint32, error) {
	var cursor uint64
	var count uint32
	for {
		keys, next, err := b.client.Scan(ctx, cursor, "ks:key:*", 100).Result()
		if err != nil {
			return 0, errkind.Wrap(errkind.Storage, trace.Wrap(err, "scanning key hashes"))
		}
		count += uint32(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// CleanupExpired is a documented no-op: Redis's own key TTL already
// evicts expired key hashes, so there is nothing left to sweep.
func (b *RedisBackend) CleanupExpired(ctx context.Context, now time.Time) (uint32, error) {
	return 0, nil
}

func (b *RedisBackend) Close() error {
	if c, ok := b.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
