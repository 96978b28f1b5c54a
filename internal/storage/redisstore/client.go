package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Все ключи делят hash tag {storefront}: скрипты резерва трогают несколько
// товаров сразу, в Redis Cluster такие ключи обязаны жить в одном слоте.
const (
	keyProduct   = "{storefront}:product:%s"
	keyMovements = "{storefront}:movements:%s"
	keyLines     = "{storefront}:stocklines:%s"
	keyMoveSeq   = "{storefront}:movements:seq"
)

const dialTimeout = 2 * time.Second

// Open подключается к Redis и проверяет соединение.
func Open(ctx context.Context, addr string) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  dialTimeout,
		WriteTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
