// Package partition owns the versioned cache partitions of one worker
// generation. A Manager knows the static and dynamic partition names for its
// version, pre-warms the static partition from the asset manifest, evicts
// every partition left over from other versions, and gives strategies
// role-scoped access to entries. Strategies never create or delete partitions
// themselves.
package partition

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/onlyflans/onlyflans-sw/internal/cache"
	"github.com/onlyflans/onlyflans-sw/internal/fetch"
	"github.com/onlyflans/onlyflans-sw/internal/logging"
)

// ErrStalePartition 表示 manager 已退役，其分区不再允许读写。
var ErrStalePartition = errors.New("partition belongs to a retired version")

// Options 配置 Manager 的可选依赖。
type Options struct {
	// Prefix 为分区名追加命名空间，默认空。
	Prefix string
	// Origin 是店面源站，预热时 manifest 路径相对它解析。
	Origin *url.URL
	// Fetcher 用于 WarmStatic 回源。
	Fetcher fetch.Fetcher
	// WarmConcurrency 限制预热并发，默认 4。
	WarmConcurrency int
	Logger          *logrus.Logger
}

// Manager 管理单个版本的 static/dynamic 分区。
type Manager struct {
	store     cache.Store
	version   string
	prefix    string
	names     Names
	origin    *url.URL
	fetcher   fetch.Fetcher
	warmLimit int
	log       *logrus.Entry

	mu    sync.Mutex
	parts map[Role]cache.Partition

	// writes 在 Store 期间持读锁，Retire 持写锁，保证退役后没有写入仍在进行。
	writes  sync.RWMutex
	retired atomic.Bool
}

// NewManager 为 version 构建分区管理器，不会触碰存储。
func NewManager(store cache.Store, version string, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("partition: nil store")
	}
	version = NormalizeVersion(version)
	if version == "" {
		return nil, errors.New("partition: version required")
	}
	limit := opts.WarmConcurrency
	if limit <= 0 {
		limit = 4
	}
	return &Manager{
		store:     store,
		version:   version,
		prefix:    opts.Prefix,
		names:     NamesFor(opts.Prefix, version),
		origin:    opts.Origin,
		fetcher:   opts.Fetcher,
		warmLimit: limit,
		log:       logging.Component(opts.Logger, "partition"),
		parts:     make(map[Role]cache.Partition, len(Roles)),
	}, nil
}

// Version 返回去掉前导 v 的版本号。
func (m *Manager) Version() string {
	return m.version
}

// Names 返回当前版本的分区名称。
func (m *Manager) Names() Names {
	return m.names
}

// Retire 将 manager 标记为过期，之后的 Match/Store 都返回 ErrStalePartition。
// 返回前会等待进行中的 Store 完成，之后的 Reconcile 不会被迟到的写入重建分区。
func (m *Manager) Retire() {
	m.writes.Lock()
	m.retired.Store(true)
	m.writes.Unlock()
}

// Retired 报告 manager 是否已退役。
func (m *Manager) Retired() bool {
	return m.retired.Load()
}

func (m *Manager) partition(ctx context.Context, role Role) (cache.Partition, error) {
	name := m.names.For(role)
	if name == "" {
		return nil, fmt.Errorf("partition: unknown role %q", role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if part := m.parts[role]; part != nil {
		return part, nil
	}
	part, err := m.store.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	m.parts[role] = part
	return part, nil
}

// Match 在角色对应的分区中查找 key。
func (m *Manager) Match(ctx context.Context, role Role, key cache.RequestKey) (*cache.Response, error) {
	if m.Retired() {
		return nil, ErrStalePartition
	}
	part, err := m.partition(ctx, role)
	if err != nil {
		return nil, err
	}
	return part.Match(ctx, key)
}

// Store 将响应写入角色对应的分区；manager 退役后拒绝写入，避免重建已淘汰的分区。
func (m *Manager) Store(ctx context.Context, role Role, key cache.RequestKey, resp *cache.Response) error {
	m.writes.RLock()
	defer m.writes.RUnlock()
	if m.Retired() {
		return fmt.Errorf("%w: %s", ErrStalePartition, m.names.For(role))
	}
	part, err := m.partition(ctx, role)
	if err != nil {
		return err
	}
	return part.Put(ctx, key, resp)
}

// WarmFailure 记录单个 manifest 条目的预热失败原因。
type WarmFailure struct {
	Path string
	Err  error
}

// WarmReport 汇总一次 WarmStatic 的结果，Stored 与 Failed 均按 manifest 顺序排列。
type WarmReport struct {
	Partition string
	Stored    []string
	Failed    []WarmFailure
}

// Total 返回处理过的条目数。
func (r WarmReport) Total() int {
	return len(r.Stored) + len(r.Failed)
}

// WarmStatic 打开 static 分区并逐条回源预热 manifest。
// 单条失败只记录在报告中；只有分区无法打开时才返回错误。
func (m *Manager) WarmStatic(ctx context.Context, manifest []string) (WarmReport, error) {
	report := WarmReport{Partition: m.names.Static}
	if m.Retired() {
		return report, ErrStalePartition
	}
	part, err := m.partition(ctx, RoleStatic)
	if err != nil {
		return report, err
	}
	if m.fetcher == nil || m.origin == nil {
		return report, errors.New("partition: warm requires fetcher and origin")
	}

	results := make([]error, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.warmLimit)
	for i, assetPath := range manifest {
		i, assetPath := i, assetPath
		g.Go(func() error {
			results[i] = m.warmOne(gctx, part, assetPath)
			return nil
		})
	}
	_ = g.Wait()

	for i, assetPath := range manifest {
		if results[i] != nil {
			report.Failed = append(report.Failed, WarmFailure{Path: assetPath, Err: results[i]})
			m.log.WithFields(logging.PartitionFields("warm", m.version, m.names.Static)).
				WithField("path", assetPath).
				WithError(results[i]).
				Warn("warm_entry_failed")
			continue
		}
		report.Stored = append(report.Stored, assetPath)
	}

	m.log.WithFields(logging.PartitionFields("warm", m.version, m.names.Static)).
		WithFields(logrus.Fields{"stored": len(report.Stored), "failed": len(report.Failed)}).
		Info("warm_complete")
	return report, nil
}

func (m *Manager) warmOne(ctx context.Context, part cache.Partition, assetPath string) error {
	target, err := m.resolve(assetPath)
	if err != nil {
		return err
	}
	req := &fetch.Request{Method: http.MethodGet, URL: target}
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	if err := part.Put(ctx, req.Key(), resp); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// resolve 将根相对路径解析为源站上的绝对 URL。
func (m *Manager) resolve(assetPath string) (*url.URL, error) {
	ref, err := url.Parse(assetPath)
	if err != nil {
		return nil, fmt.Errorf("parse manifest path %q: %w", assetPath, err)
	}
	return m.origin.ResolveReference(ref), nil
}

// ReconcileReport 列出激活时保留与删除的分区。
type ReconcileReport struct {
	Kept    []string
	Deleted []string
}

// Reconcile 删除所有不属于当前版本的分区，并确保当前两个分区存在。
// 枚举失败直接返回；单个分区删除失败汇总后以 errors.Join 返回。
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if m.Retired() {
		return report, ErrStalePartition
	}
	existing, err := m.store.Partitions(ctx)
	if err != nil {
		return report, fmt.Errorf("enumerate partitions: %w", err)
	}

	var errs []error
	for _, name := range existing {
		if m.names.Contains(name) || !owned(m.prefix, name) {
			continue
		}
		if _, err := m.store.DeletePartition(ctx, name); err != nil {
			m.log.WithFields(logging.PartitionFields("reconcile", m.version, name)).
				WithError(err).Error("partition_evict_failed")
			errs = append(errs, fmt.Errorf("delete partition %s: %w", name, err))
			continue
		}
		report.Deleted = append(report.Deleted, name)
		m.log.WithFields(logging.PartitionFields("reconcile", m.version, name)).Info("partition_evicted")
	}

	for _, role := range Roles {
		if _, err := m.partition(ctx, role); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Kept = append(report.Kept, m.names.For(role))
	}
	return report, errors.Join(errs...)
}

// PartitionInfo 描述存储中的一个分区，供诊断接口输出。
type PartitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Inventory 枚举存储中的分区及其条目数。
func (m *Manager) Inventory(ctx context.Context) ([]PartitionInfo, error) {
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate partitions: %w", err)
	}
	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		part, err := m.store.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := part.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list entries of %s: %w", name, err)
		}
		infos = append(infos, PartitionInfo{
			Name:    name,
			Entries: len(keys),
			Current: m.names.Contains(name),
		})
	}
	return infos, nil
}
