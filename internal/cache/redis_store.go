package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNilRedisClient 表示未注入 redis 客户端。
var ErrNilRedisClient = errors.New("redis store: nil client")

// RedisOptions 描述 redis 后端的键空间。
type RedisOptions struct {
	Client goredis.UniversalClient
	// Prefix 是所有键的命名空间，默认 onlyflans-sw。
	Prefix string
	// CloseClient 仅在 store 独占客户端时设置为 true。
	CloseClient bool
}

// NewRedisStore 以 "<prefix>:partitions" 集合记录分区，每个分区是一个
// "<prefix>:partition:<name>" 哈希，字段为 RequestKey，值为编码后的 Record。
// 单个条目的写入是一次 HSET，天然原子。
func NewRedisStore(opts RedisOptions, codec Codec) (Store, error) {
	if opts.Client == nil {
		return nil, ErrNilRedisClient
	}
	if codec == nil {
		codec = MsgpackCodec{}
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "onlyflans-sw"
	}
	return &redisStore{
		rdb:         opts.Client,
		prefix:      prefix,
		codec:       codec,
		closeClient: opts.CloseClient,
	}, nil
}

type redisStore struct {
	rdb         goredis.UniversalClient
	prefix      string
	codec       Codec
	closeClient bool
}

type redisPartition struct {
	store *redisStore
	name  string
}

func (s *redisStore) partitionsKey() string {
	return s.prefix + ":partitions"
}

func (s *redisStore) partitionKey(name string) string {
	return s.prefix + ":partition:" + name
}

func (s *redisStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	if err := s.rdb.SAdd(ctx, s.partitionsKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("register partition %s: %w", name, err)
	}
	return &redisPartition{store: s, name: name}, nil
}

func (s *redisStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) DeletePartition(ctx context.Context, name string) (bool, error) {
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	var removed *goredis.IntCmd
	var deleted *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.partitionKey(name))
		removed = pipe.SRem(ctx, s.partitionsKey(), name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0 || deleted.Val() > 0, nil
}

// Close releases the underlying redis client only when this store owns it.
func (s *redisStore) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	data, err := p.store.rdb.HGet(ctx, p.store.partitionKey(p.name), key.String()).Bytes()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := p.store.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return rec.Response(), nil
}

func (p *redisPartition) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if err := checkPut(key, resp); err != nil {
		return err
	}
	payload, err := p.store.codec.Encode(newRecord(key, stampStoredAt(resp)))
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = p.store.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, p.store.partitionsKey(), p.name)
		pipe.HSet(ctx, p.store.partitionKey(p.name), key.String(), payload)
		return nil
	})
	return err
}

func (p *redisPartition) Delete(ctx context.Context, key RequestKey) (bool, error) {
	n, err := p.store.rdb.HDel(ctx, p.store.partitionKey(p.name), key.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]RequestKey, error) {
	fields, err := p.store.rdb.HKeys(ctx, p.store.partitionKey(p.name)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]RequestKey, 0, len(fields))
	for _, field := range fields {
		key, err := ParseRequestKey(field)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
