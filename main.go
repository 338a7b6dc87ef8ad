package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/medcache/medcache/internal/cache"
	"github.com/medcache/medcache/internal/config"
	"github.com/medcache/medcache/internal/logging"
	"github.com/medcache/medcache/internal/proxy"
	"github.com/medcache/medcache/internal/server"
	"github.com/medcache/medcache/internal/server/routes"
	"github.com/medcache/medcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

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
		fields["origins"] = len(cfg.Origins)
		fields["credentials"] = config.CredentialModes(cfg.Origins)
		fields["capacity_bytes"] = cfg.Global.MaxCacheSize.Bytes()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存（恢复索引）→ Origin 注册表 → Fiber server，
	// 所有请求共享同一个缓存实例。
	httpClient := server.NewUpstreamClient(cfg)
	store, err := cache.New(cacheOptions(cfg, httpClient, logger))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer store.Close()

	registry, err := server.NewOriginRegistry(cfg, httpClient)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Origin 注册表失败: %v\n", err)
		return 1
	}

	if cfg.Global.WatchConfig {
		watchConfig(opts.configPath, store, logger)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = len(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["capacity_bytes"] = store.Capacity()
	fields["credentials"] = config.CredentialModes(cfg.Origins)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, registry, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func cacheOptions(cfg *config.Config, client *http.Client, logger *logrus.Logger) cache.Options {
	g := cfg.Global
	opts := cache.Options{
		Root:           g.StoragePath,
		Capacity:       g.MaxCacheSize.Bytes(),
		DefaultTTL:     g.CacheTTL.DurationValue(),
		FetchTimeout:   g.FetchTimeout.DurationValue(),
		SweepInterval:  g.SweepInterval.DurationValue(),
		MaxRetries:     g.MaxRetries,
		InitialBackoff: g.InitialBackoff.DurationValue(),
		VerifyOnRead:   g.VerifyOnRead,
		Client:         client,
		Logger:         logger,
	}
	if g.MaxOriginRPS > 0 {
		burst := int(g.MaxOriginRPS)
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(g.MaxOriginRPS), burst)
	}
	return opts
}

// watchConfig 在配置文件变化时热更新日志级别与缓存容量，其余字段需要重启生效。
func watchConfig(path string, store *cache.Cache, logger *logrus.Logger) {
	err := config.Watch(path, func(next *config.Config) {
		if err := logging.ApplyLevel(logger, next.Global.LogLevel); err != nil {
			logger.WithError(err).Warn("忽略无效的日志级别")
		}
		if err := store.SetCapacity(context.Background(), next.Global.MaxCacheSize.Bytes()); err != nil {
			logger.WithError(err).Warn("更新缓存容量失败")
			return
		}
		fields := logging.BaseFields("config_reload", path)
		fields["capacity_bytes"] = next.Global.MaxCacheSize.Bytes()
		fields["log_level"] = next.Global.LogLevel
		logger.WithFields(fields).Info("配置已热更新")
	}, func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", path)).WithError(err).Warn("配置变更无效，保留旧配置")
	})
	if err != nil {
		logger.WithError(err).Warn("配置监听启动失败")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("medcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MEDCACHE_CONFIG")
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

func newHTTPApp(cfg *config.Config, registry *server.OriginRegistry, store *cache.Cache, logger *logrus.Logger) (*fiber.App, error) {
	handler := proxy.NewHandler(store, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Registry:    registry,
		Proxy:       handler,
		ListenPort:  cfg.Global.ListenPort,
		AllowOrigin: cfg.Global.AllowOrigin,
	})
	if err != nil {
		return nil, err
	}
	handler.RegisterBlobRoutes(app)
	routes.RegisterDiagnostics(app, store, registry, logger)
	return app, nil
}

func startHTTPServer(cfg *config.Config, registry *server.OriginRegistry, store *cache.Cache, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := newHTTPApp(cfg, registry, store, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止接收请求")
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Warn("关闭 HTTP 服务失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
