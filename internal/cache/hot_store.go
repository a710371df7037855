package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// HotOptions 控制 ristretto 热点层。
type HotOptions struct {
	// MaxCost 是热点层的总字节预算。
	MaxCost int64
	// BufferItems 对应 ristretto 的 Get 缓冲大小，默认 64。
	BufferItems int64
	Metrics     bool
}

// entryOverhead 估算头部与 key 占用的字节数，避免空正文条目成本为零。
const entryOverhead = 256

// NewHotStore 在 inner 之前叠加一层 ristretto 内存缓存。
// 写入总是先落到 inner，再刷新热点层，所以热点层只是读加速，不承担持久化。
func NewHotStore(inner Store, opts HotOptions) (Store, error) {
	if inner == nil {
		return nil, errors.New("hot store: nil inner store")
	}
	if opts.MaxCost <= 0 {
		return nil, errors.New("hot store: MaxCost must be positive")
	}
	if opts.BufferItems <= 0 {
		opts.BufferItems = 64
	}
	// ristretto 建议计数器数量约为最大条目数的 10 倍，这里按平均 4KB 条目估算。
	counters := opts.MaxCost / 4096 * 10
	if counters < 1000 {
		counters = 1000
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     opts.MaxCost,
		BufferItems: opts.BufferItems,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &hotStore{inner: inner, hot: hot, gens: make(map[string]uint64)}, nil
}

type hotStore struct {
	inner Store
	hot   *ristretto.Cache

	// gens 记录每个 key 被 Put/Delete 的次数，epoch 记录分区删除次数。
	// Match 回填热点层前会比对读之前的快照，变化说明期间有更新的写入，放弃回填。
	mu    sync.Mutex
	gens  map[string]uint64
	epoch uint64
}

type fillTicket struct {
	gen   uint64
	epoch uint64
}

func (s *hotStore) ticket(hk string) fillTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fillTicket{gen: s.gens[hk], epoch: s.epoch}
}

// fill 仅在 ticket 之后没有写入时把 resp 放入热点层。
func (s *hotStore) fill(hk string, t fillTicket, resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[hk] != t.gen || s.epoch != t.epoch {
		return
	}
	s.hot.Set(hk, resp.Clone(), entryCost(resp))
}

// replace 使进行中的回填失效，并以 resp 刷新热点层；resp 为 nil 时只删除。
func (s *hotStore) replace(hk string, resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[hk]++
	s.hot.Del(hk)
	if resp != nil {
		s.hot.Set(hk, resp.Clone(), entryCost(resp))
	}
}

type hotPartition struct {
	store *hotStore
	inner Partition
}

func hotKey(partition string, key RequestKey) string {
	return partition + "\x00" + key.String()
}

func entryCost(resp *Response) int64 {
	return int64(len(resp.Body)) + entryOverhead
}

func (s *hotStore) Open(ctx context.Context, name string) (Partition, error) {
	inner, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &hotPartition{store: s, inner: inner}, nil
}

func (s *hotStore) Partitions(ctx context.Context) ([]string, error) {
	return s.inner.Partitions(ctx)
}

// DeletePartition 清空整个热点层：分区删除只发生在版本切换时，频率很低。
func (s *hotStore) DeletePartition(ctx context.Context, name string) (bool, error) {
	existed, err := s.inner.DeletePartition(ctx, name)
	s.mu.Lock()
	s.epoch++
	s.gens = make(map[string]uint64)
	s.hot.Clear()
	s.mu.Unlock()
	return existed, err
}

func (s *hotStore) Close() error {
	s.hot.Wait()
	s.hot.Close()
	return s.inner.Close()
}

// Wait 阻塞直到热点层缓冲的写入全部生效，测试使用。
func (s *hotStore) Wait() {
	s.hot.Wait()
}

func (p *hotPartition) Name() string {
	return p.inner.Name()
}

func (p *hotPartition) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	hk := hotKey(p.inner.Name(), key)
	if v, ok := p.store.hot.Get(hk); ok {
		if resp, ok := v.(*Response); ok && resp != nil {
			return resp.Clone(), nil
		}
		p.store.hot.Del(hk)
	}
	t := p.store.ticket(hk)
	resp, err := p.inner.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	p.store.fill(hk, t, resp)
	return resp, nil
}

func (p *hotPartition) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if err := checkPut(key, resp); err != nil {
		return err
	}
	stored := stampStoredAt(resp)
	if err := p.inner.Put(ctx, key, stored); err != nil {
		return err
	}
	p.store.replace(hotKey(p.inner.Name(), key), stored)
	return nil
}

func (p *hotPartition) Delete(ctx context.Context, key RequestKey) (bool, error) {
	existed, err := p.inner.Delete(ctx, key)
	p.store.replace(hotKey(p.inner.Name(), key), nil)
	return existed, err
}

func (p *hotPartition) Keys(ctx context.Context) ([]RequestKey, error) {
	return p.inner.Keys(ctx)
}
