package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript удаляет ключ только если значение совпадает с токеном владельца.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisConfig — параметры подключения к Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix — префикс ключей аренды
	Prefix string
}

// Redis — аренда в Redis: SET NX PX с токеном владельца.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	// owner — токен этого процесса; освободить аренду может только он
	owner string
}

// NewRedis подключается к Redis и проверяет соединение.
func NewRedis(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("подключение к Redis %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, ttl, cfg.Prefix), nil
}

// NewRedisWithClient создаёт аренду поверх существующего клиента.
func NewRedisWithClient(client *redis.Client, ttl time.Duration, prefix string) *Redis {
	if prefix == "" {
		prefix = "capture-sync:lease:"
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		prefix: prefix,
		owner:  uuid.New().String(),
	}
}

func (r *Redis) key(photoID string) string {
	return r.prefix + photoID
}

// Acquire захватывает фотографию на ttl.
func (r *Redis) Acquire(ctx context.Context, photoID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(photoID), r.owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("захват аренды %s: %w", photoID, err)
	}
	return ok, nil
}

// Release освобождает фотографию, если аренда принадлежит этому процессу.
func (r *Redis) Release(ctx context.Context, photoID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(photoID)}, r.owner).Err(); err != nil {
		return fmt.Errorf("освобождение аренды %s: %w", photoID, err)
	}
	return nil
}

// CheckReady проверяет соединение с Redis.
func (r *Redis) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "Redis доступен"
}

// Name возвращает имя проверки готовности.
func (r *Redis) Name() string {
	return "redis"
}

// Close закрывает соединение с Redis.
func (r *Redis) Close() error {
	return r.client.Close()
}
