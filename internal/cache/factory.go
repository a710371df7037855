package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// 支持的后端名称。
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options 汇总构建 Store 所需的全部参数，通常由配置文件映射而来。
type Options struct {
	Backend string
	// Path 对 fs 是根目录，对 sqlite 是数据库文件。
	Path  string
	Codec string
	// HotTierBytes 大于 0 时在后端之前叠加 ristretto 热点层。
	HotTierBytes int64
	MemoryMaxMB  int

	RedisAddr     string
	RedisDB       int
	RedisPassword string
	RedisPrefix   string
}

// NewStore 根据 Options 构建后端，必要时包裹热点层。
func NewStore(opts Options) (Store, error) {
	codec, err := NewCodec(opts.Codec)
	if err != nil {
		return nil, err
	}

	var store Store
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFS:
		store, err = NewFileStore(opts.Path, codec)
	case BackendMemory:
		store = NewMemoryStore(MemoryOptions{MaxMBPerPartition: opts.MemoryMaxMB}, codec)
	case BackendSQLite:
		store, err = NewSQLiteStore(opts.Path, codec)
	case BackendRedis:
		store, err = newRedisFromOptions(opts, codec)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if opts.HotTierBytes > 0 {
		hot, err := NewHotStore(store, HotOptions{MaxCost: opts.HotTierBytes})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		return hot, nil
	}
	return store, nil
}

func newRedisFromOptions(opts Options, codec Codec) (Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.RedisAddr,
		DB:       opts.RedisDB,
		Password: opts.RedisPassword,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.RedisAddr, err)
	}
	return NewRedisStore(RedisOptions{
		Client:      client,
		Prefix:      opts.RedisPrefix,
		CloseClient: true,
	}, codec)
}
