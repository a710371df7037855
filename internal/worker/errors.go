package worker

import "errors"

var (
	// ErrCacheWrite 包装后台写入失败（存储不可用、配额不足、方法不可缓存）。
	ErrCacheWrite = errors.New("cache write failed")
	// ErrCacheRead 包装分区查找失败，调用方按未命中处理。
	ErrCacheRead = errors.New("cache read failed")
	// ErrNoFallbackAvailable 表示缓存与网络都无法给出响应，是唯一对调用方可见的失败。
	ErrNoFallbackAvailable = errors.New("no fallback available")
	// ErrNotActivated 表示请求在首次激活完成前被取消。
	ErrNotActivated = errors.New("worker not activated")
	// ErrWriteQueueFull 表示后台写入队列已满，本次写入被丢弃。
	ErrWriteQueueFull = errors.New("cache write queue full")
	// ErrWriterClosed 表示写入器已关闭。
	ErrWriterClosed = errors.New("cache writer closed")
	// ErrWarmIncomplete 表示预热结果不满足配置的 WarmPolicy。
	ErrWarmIncomplete = errors.New("static warm-up incomplete")
	// ErrNothingToActivate 表示没有已安装、待激活的版本。
	ErrNothingToActivate = errors.New("no installed generation to activate")
	// ErrUnknownSyncTag 表示 Sync 收到了未注册的 tag。
	ErrUnknownSyncTag = errors.New("unknown sync tag")
)
