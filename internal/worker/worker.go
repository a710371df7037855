// Package worker is the request-routing and cache-lifecycle core. A Worker
// installs a versioned generation (pre-warming its static partition),
// activates it (evicting every other version's partitions before any request
// is routed), and then serves intercepted requests through the cache-first
// or network-first strategy chosen by the Router. Cache writes run on a
// background Writer; their failures only reach the ErrorSink.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onlyflans/onlyflans-sw/internal/cache"
	"github.com/onlyflans/onlyflans-sw/internal/config"
	"github.com/onlyflans/onlyflans-sw/internal/fetch"
	"github.com/onlyflans/onlyflans-sw/internal/logging"
	"github.com/onlyflans/onlyflans-sw/internal/metrics"
	"github.com/onlyflans/onlyflans-sw/internal/partition"
)

// SyncTagBackground 是唯一注册的后台同步 tag。
const SyncTagBackground = "background-sync"

// State 是 worker 生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Options 汇总 Worker 的依赖与策略参数。
type Options struct {
	Store   cache.Store
	Fetcher fetch.Fetcher
	Origin  *url.URL
	// Manifest 是静态资源清单，同时用于路由分类与安装预热。
	Manifest        []string
	PartitionPrefix string
	WarmPolicy      config.WarmPolicy
	WarmConcurrency int
	WriteWorkers    int
	WriteQueue      int
	Logger          *logrus.Logger
	Metrics         *metrics.Metrics
	// Sink 为空时使用 logrus + metrics 的默认实现。
	Sink ErrorSink
}

// generation 是一个版本及其分区管理器。
type generation struct {
	manager     *partition.Manager
	activatedAt time.Time
}

// Worker 协调生命周期与请求处理，可并发使用。
type Worker struct {
	store      cache.Store
	fetcher    fetch.Fetcher
	origin     *url.URL
	manifest   []string
	prefix     string
	warmPolicy config.WarmPolicy
	warmLimit  int
	router     *Router
	writer     *Writer
	sink       ErrorSink
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	log        *logrus.Entry

	// lifecycle 串行化 Install/Activate/Rollover。
	lifecycle sync.Mutex

	// mu 保护以下字段；Activate 在整个 reconcile + 切换期间持有写锁。
	mu      sync.RWMutex
	state   State
	active  *generation
	pending *generation

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// New 构建 worker，此时尚未安装任何版本。
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("worker: store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker: fetcher required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("worker: origin required")
	}
	policy := opts.WarmPolicy
	if policy == "" {
		policy = config.WarmPolicyBestEffort
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewSink(opts.Logger, opts.Metrics)
	}
	manifest := append([]string(nil), opts.Manifest...)

	return &Worker{
		store:      opts.Store,
		fetcher:    opts.Fetcher,
		origin:     opts.Origin,
		manifest:   manifest,
		prefix:     opts.PartitionPrefix,
		warmPolicy: policy,
		warmLimit:  opts.WarmConcurrency,
		router:     NewRouter(opts.Origin, manifest),
		writer:     NewWriter(opts.WriteWorkers, opts.WriteQueue, sink, opts.Metrics, opts.Logger),
		sink:       sink,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		log:        logging.Component(opts.Logger, "worker"),
		state:      StateParsed,
		ready:      make(chan struct{}),
	}, nil
}

// Install 为 version 构建新的 generation 并预热 static 分区。
// 预热结果不满足 WarmPolicy 时安装失败，新 generation 被丢弃，当前激活版本不受影响。
func (w *Worker) Install(ctx context.Context, version string) (partition.WarmReport, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.install(ctx, version)
}

func (w *Worker) install(ctx context.Context, version string) (partition.WarmReport, error) {
	w.setState(StateInstalling)

	mgr, err := partition.NewManager(w.store, version, partition.Options{
		Prefix:          w.prefix,
		Origin:          w.origin,
		Fetcher:         w.fetcher,
		WarmConcurrency: w.warmLimit,
		Logger:          w.logger,
	})
	if err != nil {
		w.failInstall(nil)
		return partition.WarmReport{}, err
	}

	fields := logging.PartitionFields("install", mgr.Version(), mgr.Names().Static)
	w.log.WithFields(fields).WithField("assets", len(w.manifest)).Info("install_started")

	report, err := mgr.WarmStatic(ctx, w.manifest)
	w.metrics.RecordWarm(len(report.Stored), len(report.Failed))
	if err != nil {
		w.failInstall(mgr)
		w.log.WithFields(fields).WithError(err).Error("install_failed")
		return report, err
	}
	if err := w.checkWarmPolicy(report); err != nil {
		w.failInstall(mgr)
		w.log.WithFields(fields).WithError(err).Error("install_failed")
		return report, err
	}

	w.mu.Lock()
	if w.pending != nil {
		w.pending.manager.Retire()
	}
	w.pending = &generation{manager: mgr}
	w.state = StateInstalled
	w.mu.Unlock()

	w.log.WithFields(fields).WithFields(logrus.Fields{
		"stored": len(report.Stored),
		"failed": len(report.Failed),
		"policy": string(w.warmPolicy),
	}).Info("install_complete")
	return report, nil
}

func (w *Worker) checkWarmPolicy(report partition.WarmReport) error {
	switch w.warmPolicy {
	case config.WarmPolicyRequireAll:
		if len(report.Failed) > 0 {
			return fmt.Errorf("%w: %d of %d assets failed (policy %s)", ErrWarmIncomplete, len(report.Failed), report.Total(), w.warmPolicy)
		}
	case config.WarmPolicyRequireAny:
		if report.Total() > 0 && len(report.Stored) == 0 {
			return fmt.Errorf("%w: no asset stored (policy %s)", ErrWarmIncomplete, w.warmPolicy)
		}
	}
	return nil
}

// failInstall 丢弃失败的 generation；若还有激活中的版本则状态回到 activated。
func (w *Worker) failInstall(mgr *partition.Manager) {
	w.mu.Lock()
	active := w.active
	if active == nil {
		w.state = StateRedundant
	} else {
		w.state = StateActivated
	}
	w.mu.Unlock()

	if mgr == nil {
		return
	}
	mgr.Retire()
	if active != nil && active.manager.Names().Static == mgr.Names().Static {
		return
	}
	// 清理半预热的 static 分区，避免残留到下次 reconcile。
	if _, err := w.store.DeletePartition(context.Background(), mgr.Names().Static); err != nil {
		w.log.WithFields(logging.PartitionFields("install", mgr.Version(), mgr.Names().Static)).
			WithError(err).Warn("install_cleanup_failed")
	}
}

// Activate 对已安装的 generation 执行 reconcile 并接管所有请求。
// 整个过程持有写锁，保证没有请求会在新旧两个版本之间被路由。
func (w *Worker) Activate(ctx context.Context) (partition.ReconcileReport, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.activate(ctx)
}

func (w *Worker) activate(ctx context.Context) (partition.ReconcileReport, error) {
	w.mu.Lock()
	next := w.pending
	if next == nil {
		w.mu.Unlock()
		return partition.ReconcileReport{}, ErrNothingToActivate
	}
	w.state = StateActivating
	prev := w.active
	if prev != nil {
		prev.manager.Retire()
	}

	report, err := next.manager.Reconcile(ctx)
	if err != nil {
		// reconcile 未完成：保持 pending，旧版本继续服务，允许重试。
		if prev != nil {
			w.active = &generation{manager: w.reviveManager(prev.manager), activatedAt: prev.activatedAt}
			w.state = StateActivated
		} else {
			w.state = StateInstalled
		}
		w.mu.Unlock()
		w.log.WithFields(logging.PartitionFields("activate", next.manager.Version(), next.manager.Names().Static)).
			WithError(err).Error("activate_failed")
		return report, err
	}

	next.activatedAt = time.Now()
	w.active = next
	w.pending = nil
	w.state = StateActivated
	w.mu.Unlock()

	// claim：放行等待中的请求。
	w.readyOnce.Do(func() { close(w.ready) })
	w.metrics.RecordActivation(len(report.Deleted), next.activatedAt)

	fields := logging.PartitionFields("activate", next.manager.Version(), next.manager.Names().Static)
	fields["evicted"] = report.Deleted
	fields["kept"] = report.Kept
	if prev != nil {
		fields["previous_version"] = prev.manager.Version()
	}
	w.log.WithFields(fields).Info("activate_complete")
	return report, nil
}

// reviveManager 为旧版本重新创建一个未退役的 manager，reconcile 失败时旧版本需继续服务。
func (w *Worker) reviveManager(old *partition.Manager) *partition.Manager {
	mgr, err := partition.NewManager(w.store, old.Version(), partition.Options{
		Prefix:          w.prefix,
		Origin:          w.origin,
		Fetcher:         w.fetcher,
		WarmConcurrency: w.warmLimit,
		Logger:          w.logger,
	})
	if err != nil {
		return old
	}
	return mgr
}

// Rollover 安装并激活新版本；安装期间旧版本继续服务。
func (w *Worker) Rollover(ctx context.Context, version string) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if active := w.activeGeneration(); active != nil && active.manager.Version() == partition.NormalizeVersion(version) {
		w.log.WithField("version", active.manager.Version()).Debug("rollover_skipped")
		return nil
	}
	if _, err := w.install(ctx, version); err != nil {
		return fmt.Errorf("install %s: %w", version, err)
	}
	if _, err := w.activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", version, err)
	}
	return nil
}

// HandleFetch 处理一次被拦截的请求。跨源请求立即返回 Declined；
// 其余请求等待首次激活完成后按分类执行策略。
func (w *Worker) HandleFetch(ctx context.Context, req *fetch.Request) (Outcome, error) {
	class, ok := w.router.Route(req)
	if !ok {
		return Outcome{Declined: true, Strategy: StrategyPassthrough, Source: SourceBypass}, nil
	}

	select {
	case <-w.ready:
	case <-ctx.Done():
		return Outcome{Class: class, Strategy: class.Strategy()}, fmt.Errorf("%w: %w", ErrNotActivated, ctx.Err())
	}

	gen := w.activeGeneration()
	return strategyFor(class)(ctx, w, gen, req)
}

func (w *Worker) activeGeneration() *generation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// Ready 在首次激活完成后关闭。
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Sync 处理后台同步事件：background-sync 会等待所有挂起的缓存写入落盘。
func (w *Worker) Sync(ctx context.Context, tag string) error {
	if tag != SyncTagBackground {
		w.log.WithField("tag", tag).Debug("sync_tag_ignored")
		return fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}
	pending := w.writer.Pending()
	if err := w.writer.WaitContext(ctx); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"tag": tag, "flushed": pending}).Info("background_sync_complete")
	return nil
}

// Flush 阻塞直到所有已提交的缓存写入完成。
func (w *Worker) Flush() {
	w.writer.Wait()
}

// Status 是 worker 当前状态的快照，供诊断接口输出。
type Status struct {
	State         State           `json:"state"`
	Version       string          `json:"version,omitempty"`
	Partitions    partition.Names `json:"partitions"`
	Origin        string          `json:"origin"`
	Manifest      []string        `json:"manifest"`
	WarmPolicy    string          `json:"warm_policy"`
	ActivatedAt   *time.Time      `json:"activated_at,omitempty"`
	PendingWrites int             `json:"pending_writes"`
}

// Status 返回当前状态快照。
func (w *Worker) Status() Status {
	w.mu.RLock()
	state, active := w.state, w.active
	w.mu.RUnlock()

	status := Status{
		State:         state,
		Origin:        w.origin.String(),
		Manifest:      append([]string(nil), w.manifest...),
		WarmPolicy:    string(w.warmPolicy),
		PendingWrites: w.writer.Pending(),
	}
	if active != nil {
		at := active.activatedAt
		status.Version = active.manager.Version()
		status.Partitions = active.manager.Names()
		status.ActivatedAt = &at
	}
	return status
}

// Partitions 枚举存储中的全部分区及条目数。
func (w *Worker) Partitions(ctx context.Context) ([]partition.PartitionInfo, error) {
	gen := w.activeGeneration()
	if gen == nil {
		return nil, ErrNotActivated
	}
	return gen.manager.Inventory(ctx)
}

// Close 等待后台写入完成并关闭存储；ctx 到期时放弃等待。
func (w *Worker) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			w.writer.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("drain cache writes: %w", ctx.Err())
		}
		if closeErr := w.store.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	})
	return err
}
