package worker

import (
	"github.com/sirupsen/logrus"

	"github.com/onlyflans/onlyflans-sw/internal/logging"
	"github.com/onlyflans/onlyflans-sw/internal/metrics"
)

// 错误类别，作为日志 action 与 metrics 标签。
const (
	KindCacheWrite = "cache_write"
	KindCacheRead  = "cache_read"
)

// ErrorSink 接收不影响请求结果的错误（缓存读写失败、写入丢弃）。
type ErrorSink interface {
	Report(kind string, err error, fields logrus.Fields)
}

// NewSink 返回写入 logrus 并计数到 prometheus 的 sink。
func NewSink(logger *logrus.Logger, m *metrics.Metrics) ErrorSink {
	return &logSink{log: logging.Component(logger, "sink"), metrics: m}
}

type logSink struct {
	log     *logrus.Entry
	metrics *metrics.Metrics
}

func (s *logSink) Report(kind string, err error, fields logrus.Fields) {
	if err == nil {
		return
	}
	s.metrics.RecordError(kind)
	s.log.WithFields(fields).WithField("action", kind).WithError(err).Warn(kind + "_failed")
}
