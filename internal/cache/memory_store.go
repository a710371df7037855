package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// MemoryOptions 控制 bigcache 分区的容量。
type MemoryOptions struct {
	// MaxMBPerPartition 是单个分区的硬上限（MB），0 表示不限。
	MaxMBPerPartition int
	// MaxEntrySize 是 bigcache 预分配时假定的单条目字节数。
	MaxEntrySize int
}

// 条目不按时间过期，只有版本切换或容量淘汰会移除它们。
const memoryLifeWindow = 100 * 365 * 24 * time.Hour

// NewMemoryStore 为每个分区创建一个独立的 BigCache 实例，删除分区即关闭并丢弃实例。
func NewMemoryStore(opts MemoryOptions, codec Codec) Store {
	if codec == nil {
		codec = MsgpackCodec{}
	}
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = 2048
	}
	return &memoryStore{
		opts:       opts,
		codec:      codec,
		partitions: make(map[string]*bigcache.BigCache),
	}
}

type memoryStore struct {
	opts  MemoryOptions
	codec Codec

	mu         sync.RWMutex
	partitions map[string]*bigcache.BigCache
}

type memoryPartition struct {
	store *memoryStore
	name  string
}

func (s *memoryStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	if _, err := s.ensure(ctx, name); err != nil {
		return nil, err
	}
	return &memoryPartition{store: s, name: name}, nil
}

func (s *memoryStore) ensure(ctx context.Context, name string) (*bigcache.BigCache, error) {
	s.mu.RLock()
	c := s.partitions[name]
	s.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.partitions[name]; c != nil {
		return c, nil
	}

	conf := bigcache.DefaultConfig(memoryLifeWindow)
	conf.Shards = 16
	conf.CleanWindow = 0
	conf.MaxEntriesInWindow = 1024
	conf.MaxEntrySize = s.opts.MaxEntrySize
	conf.HardMaxCacheSize = s.opts.MaxMBPerPartition
	conf.Verbose = false

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// CleanWindow 为 0 时不会启动清理协程，context 只用于构造。
	c, err := bigcache.New(context.Background(), conf)
	if err != nil {
		return nil, fmt.Errorf("create memory partition %s: %w", name, err)
	}
	s.partitions[name] = c
	return c, nil
}

func (s *memoryStore) lookup(name string) *bigcache.BigCache {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partitions[name]
}

func (s *memoryStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) DeletePartition(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	c, ok := s.partitions[name]
	delete(s.partitions, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, c.Close()
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, c := range s.partitions {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close partition %s: %w", name, err))
		}
		delete(s.partitions, name)
	}
	return errors.Join(errs...)
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	c := p.store.lookup(p.name)
	if c == nil {
		return nil, ErrNotFound
	}
	data, err := c.Get(key.String())
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := p.store.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return rec.Response(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if err := checkPut(key, resp); err != nil {
		return err
	}
	payload, err := p.store.codec.Encode(newRecord(key, stampStoredAt(resp)))
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	c, err := p.store.ensure(ctx, p.name)
	if err != nil {
		return err
	}
	return c.Set(key.String(), payload)
}

func (p *memoryPartition) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c := p.store.lookup(p.name)
	if c == nil {
		return false, nil
	}
	if err := c.Delete(key.String()); err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]RequestKey, error) {
	c := p.store.lookup(p.name)
	if c == nil {
		return nil, nil
	}
	var keys []RequestKey
	it := c.Iterator()
	for it.SetNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := it.Value()
		if err != nil {
			continue
		}
		key, err := ParseRequestKey(info.Key())
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
