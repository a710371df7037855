package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/onlyflans/onlyflans-sw/internal/cache"
	"github.com/onlyflans/onlyflans-sw/internal/config"
	"github.com/onlyflans/onlyflans-sw/internal/fetch"
	"github.com/onlyflans/onlyflans-sw/internal/logging"
	"github.com/onlyflans/onlyflans-sw/internal/metrics"
	"github.com/onlyflans/onlyflans-sw/internal/proxy"
	"github.com/onlyflans/onlyflans-sw/internal/server"
	"github.com/onlyflans/onlyflans-sw/internal/server/routes"
	"github.com/onlyflans/onlyflans-sw/internal/version"
	"github.com/onlyflans/onlyflans-sw/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const shutdownTimeout = 10 * time.Second

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["version"] = cfg.Global.Version
		fields["origin"] = cfg.Global.Origin
		fields["store_backend"] = cfg.Store.Backend
		fields["static_assets"] = len(cfg.Global.StaticAssets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动遵循“配置 → 存储 → worker install/activate → Fiber server”顺序，
	// 保证第一个请求到达前旧版本分区已被清理。
	svc, err := newService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	if err := svc.start(ctx); err != nil {
		_ = svc.close(context.Background())
		fmt.Fprintf(stdErr, "缓存版本激活失败: %v\n", err)
		return 1
	}

	if _, err := config.Watch(opts.configPath, svc.reload, func(err error) {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).WithError(err).Warn("config_reload_failed")
	}); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).WithError(err).Warn("config_watch_disabled")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["cache_version"] = cfg.Global.Version
	fields["store_backend"] = cfg.Store.Backend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.serve(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("onlyflans-sw", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ONLYFLANS_SW_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ONLYFLANS_SW_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// service 持有一次进程生命周期内共享的存储、worker 与 Fiber 应用。
type service struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	worker  *worker.Worker
	app     *fiber.App
	port    int

	mu  sync.Mutex
	cfg *config.Config
}

func newService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	store, err := cache.NewStore(storeOptions(cfg.Store))
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	m := metrics.New()
	origin := cfg.OriginURL()
	network := fetch.NewHTTPFetcher(fetch.NewClient(cfg), origin, cfg.UpstreamURL())

	w, err := worker.New(worker.Options{
		Store:           store,
		Fetcher:         network,
		Origin:          origin,
		Manifest:        cfg.Manifest(),
		PartitionPrefix: cfg.Global.PartitionPrefix,
		WarmPolicy:      cfg.Global.WarmPolicy,
		WarmConcurrency: cfg.Global.WarmConcurrency,
		WriteWorkers:    cfg.Global.WriteWorkers,
		WriteQueue:      cfg.Global.WriteQueue,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry, err := server.NewHostRegistry(cfg)
	if err != nil {
		_ = w.Close(context.Background())
		return nil, fmt.Errorf("构建主机注册表失败: %w", err)
	}

	handler := proxy.NewHandler(w, network, logger, m)
	forwarder := proxy.NewForwarder(handler, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = w.Close(context.Background())
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, w, registry, m)

	return &service{
		logger:  logger,
		metrics: m,
		worker:  w,
		app:     app,
		port:    cfg.Global.ListenPort,
		cfg:     cfg,
	}, nil
}

// start 安装并立即激活配置中的版本，不等待旧客户端。
func (svc *service) start(ctx context.Context) error {
	svc.mu.Lock()
	cacheVersion := svc.cfg.Global.Version
	svc.mu.Unlock()

	if _, err := svc.worker.Install(ctx, cacheVersion); err != nil {
		return err
	}
	_, err := svc.worker.Activate(ctx)
	return err
}

// reload 是配置热更新回调：只有缓存版本变化会触发 rollover，其余字段需重启生效。
func (svc *service) reload(next *config.Config) {
	svc.mu.Lock()
	prev := svc.cfg
	changed := config.VersionChanged(prev, next)
	if changed {
		svc.cfg = next
	}
	svc.mu.Unlock()

	if !changed {
		svc.logger.WithField("action", "config_watch").Debug("config_reloaded_without_version_change")
		return
	}

	fields := logrus.Fields{
		"action":           "rollover",
		"previous_version": prev.Global.Version,
		"version":          next.Global.Version,
	}
	if err := svc.worker.Rollover(context.Background(), next.Global.Version); err != nil {
		svc.logger.WithFields(fields).WithError(err).Error("rollover_failed")
		svc.mu.Lock()
		svc.cfg = prev
		svc.mu.Unlock()
		return
	}
	svc.logger.WithFields(fields).Info("rollover_complete")
}

// serve 监听端口直到 ctx 取消，然后依次关闭 HTTP 服务与 worker。
func (svc *service) serve(ctx context.Context) error {
	svc.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   svc.port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.app.Listen(fmt.Sprintf(":%d", svc.port))
	}()

	var listenErr error
	select {
	case listenErr = <-errCh:
	case <-ctx.Done():
		svc.logger.WithField("action", "shutdown").Info("shutdown_requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.app.ShutdownWithContext(shutdownCtx); err != nil {
		svc.logger.WithField("action", "shutdown").WithError(err).Warn("http_shutdown_failed")
	}
	if err := svc.close(shutdownCtx); err != nil {
		svc.logger.WithField("action", "shutdown").WithError(err).Warn("worker_close_failed")
	}
	return listenErr
}

func (svc *service) close(ctx context.Context) error {
	return svc.worker.Close(ctx)
}

// storeOptions 将配置映射为存储参数；sqlite 的 Path 若是目录则在其中创建 cache.db。
func storeOptions(s config.StoreConfig) cache.Options {
	path := s.Path
	if s.Backend == cache.BackendSQLite && filepath.Ext(path) == "" {
		path = filepath.Join(path, "cache.db")
	}
	return cache.Options{
		Backend:       s.Backend,
		Path:          path,
		Codec:         s.Codec,
		HotTierBytes:  s.HotTierBytes,
		MemoryMaxMB:   s.MemoryMaxMB,
		RedisAddr:     s.RedisAddr,
		RedisDB:       s.RedisDB,
		RedisPassword: s.RedisPassword,
		RedisPrefix:   s.RedisPrefix,
	}
}
