package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultTTL = 5 * time.Minute

func InitRedis(logger *zap.Logger) (*redis.Client, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

func productKey(id string) string { return fmt.Sprintf("product:%s", id) }
func dealKey(id string) string    { return fmt.Sprintf("deal:%s", id) }

func GetProduct(ctx context.Context, rdb *redis.Client, id string) ([]byte, error) {
	return rdb.Get(ctx, productKey(id)).Bytes()
}

func SetProduct(ctx context.Context, rdb *redis.Client, id string, product interface{}, ttl time.Duration) error {
	data, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, productKey(id), data, ttl).Err()
}

func DeleteProduct(ctx context.Context, rdb *redis.Client, id string) error {
	return rdb.Del(ctx, productKey(id)).Err()
}

func GetDeal(ctx context.Context, rdb *redis.Client, id string) ([]byte, error) {
	return rdb.Get(ctx, dealKey(id)).Bytes()
}

func SetDeal(ctx context.Context, rdb *redis.Client, id string, deal interface{}, ttl time.Duration) error {
	data, err := json.Marshal(deal)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, dealKey(id), data, ttl).Err()
}

func DeleteDeal(ctx context.Context, rdb *redis.Client, id string) error {
	return rdb.Del(ctx, dealKey(id)).Err()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
