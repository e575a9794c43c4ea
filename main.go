package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-cache/offline-cache/internal/cache"
	"github.com/offline-cache/offline-cache/internal/config"
	"github.com/offline-cache/offline-cache/internal/lifecycle"
	"github.com/offline-cache/offline-cache/internal/logging"
	"github.com/offline-cache/offline-cache/internal/proxy"
	"github.com/offline-cache/offline-cache/internal/server"
	"github.com/offline-cache/offline-cache/internal/server/routes"
	"github.com/offline-cache/offline-cache/internal/version"
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

const shutdownTimeout = 10 * time.Second

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
		fields["origin"] = cfg.Site.Origin
		fields["cache_version"] = cfg.Site.CacheVersion
		fields["seed_assets"] = len(cfg.Site.SeedAssets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	site, err := server.NewSite(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "解析站点配置失败: %v\n", err)
		return 1
	}

	// CLI 启动遵循“配置 → 磁盘缓存 → 生命周期控制器 → 部署实例 → 配置监听 → Fiber server”顺序，
	// 保证所有请求共享同一份缓存与 active 实例。
	storage, err := cache.NewStorage(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	controller := lifecycle.NewController(storage, logger)
	dep := &deployer{
		controller: controller,
		storage:    storage,
		client:     httpClient,
		logger:     logger,
		configPath: opts.configPath,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dep.start(ctx, cfg); err != nil {
		// 安装失败时不退出，所有请求直通源站，等待配置变更后重试部署。
		logger.WithFields(logging.BaseFields("startup", opts.configPath)).
			WithError(err).Error("实例部署失败，暂以直通模式运行")
	}

	passthrough, err := proxy.NewHandler(proxy.Options{Client: httpClient, Logger: logger, Site: site})
	if err != nil {
		fmt.Fprintf(stdErr, "构建直通代理失败: %v\n", err)
		return 1
	}
	forwarder := proxy.NewForwarder(controller, passthrough, logger)

	if err := config.Watch(opts.configPath, dep.reload, dep.reloadFailed); err != nil {
		logger.WithFields(logging.BaseFields("watch_config", opts.configPath)).
			WithError(err).Warn("配置监听未启用")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = site.Origin.String()
	fields["cache_version"] = site.CacheVersion
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, site, controller, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	controller.Wait()
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_CACHE_CONFIG")
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

func startHTTPServer(
	ctx context.Context,
	site *server.Site,
	controller *lifecycle.Controller,
	proxyHandler server.ProxyHandler,
	logger *logrus.Logger,
) error {
	port := site.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, controller, site.Origin.String())

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.ShutdownWithTimeout(shutdownTimeout)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
