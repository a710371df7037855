package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/onlyflans/onlyflans-sw/internal/cache"
	"github.com/onlyflans/onlyflans-sw/internal/logging"
	"github.com/onlyflans/onlyflans-sw/internal/metrics"
	"github.com/onlyflans/onlyflans-sw/internal/partition"
)

// writeJob 是一次待执行的缓存写入，ctx 已与请求的取消解绑。
type writeJob struct {
	ctx       context.Context
	manager   *partition.Manager
	role      partition.Role
	key       cache.RequestKey
	resp      *cache.Response
	requestID string
}

// Writer 以固定数量的 goroutine 消费有界队列，执行 fire-and-forget 的缓存写入。
// 队列满时直接丢弃并上报，从不阻塞请求路径。
type Writer struct {
	q       chan writeJob
	workers sync.WaitGroup
	sink    ErrorSink
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	closed   bool
}

// NewWriter 启动 workers 个消费者，队列长度为 qlen。
func NewWriter(workers, qlen int, sink ErrorSink, m *metrics.Metrics, logger *logrus.Logger) *Writer {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	w := &Writer{
		q:       make(chan writeJob, qlen),
		sink:    sink,
		metrics: m,
		log:     logging.Component(logger, "writer"),
	}
	w.cond = sync.NewCond(&w.mu)
	w.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer w.workers.Done()
			for job := range w.q {
				w.run(job)
			}
		}()
	}
	return w
}

// Submit 将写入放入队列；响应必须是调用方不再修改的副本。
func (w *Writer) Submit(ctx context.Context, mgr *partition.Manager, role partition.Role, key cache.RequestKey, resp *cache.Response, requestID string) error {
	job := writeJob{
		ctx:       context.WithoutCancel(ctx),
		manager:   mgr,
		role:      role,
		key:       key,
		resp:      resp,
		requestID: requestID,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.q <- job:
		w.inflight++
		w.metrics.UpdateQueue(w.inflight)
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (w *Writer) run(job writeJob) {
	err := job.manager.Store(job.ctx, job.role, job.key, job.resp)
	fields := logrus.Fields{
		"partition": job.manager.Names().For(job.role),
		"key":       job.key.String(),
	}
	if job.requestID != "" {
		fields["request_id"] = job.requestID
	}

	switch {
	case err == nil:
		w.metrics.RecordWrite(string(job.role), nil)
	case errors.Is(err, partition.ErrStalePartition):
		// 版本已切换，旧分区的写入直接丢弃。
		w.log.WithFields(fields).Debug("cache_write_discarded")
	default:
		w.metrics.RecordWrite(string(job.role), err)
		w.sink.Report(KindCacheWrite, fmt.Errorf("%w: %w", ErrCacheWrite, err), fields)
	}

	w.mu.Lock()
	w.inflight--
	w.metrics.UpdateQueue(w.inflight)
	if w.inflight == 0 {
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

// Pending 返回尚未完成的写入数量。
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

// Wait 阻塞直到当前所有已提交的写入执行完毕。
func (w *Writer) Wait() {
	w.mu.Lock()
	for w.inflight > 0 {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// WaitContext 与 Wait 相同，但可被 ctx 取消。
func (w *Writer) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 拒绝新的写入，并等待队列中的写入全部完成。
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.q)
	w.mu.Unlock()
	w.workers.Wait()
}
