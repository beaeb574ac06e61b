package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/site-worker/internal/cache"
	"github.com/any-hub/site-worker/internal/config"
	"github.com/any-hub/site-worker/internal/logging"
	"github.com/any-hub/site-worker/internal/proxy"
	"github.com/any-hub/site-worker/internal/server"
	"github.com/any-hub/site-worker/internal/server/routes"
	"github.com/any-hub/site-worker/internal/version"
	"github.com/any-hub/site-worker/internal/worker"
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
		fields["cache_name"] = cfg.Worker.CacheName
		fields["cache_backend"] = cfg.Global.CacheBackend
		fields["precache"] = len(cfg.Worker.Precache)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 缓存存储 → worker 安装 → Fiber server”顺序，
	// install 未完成前不接受请求，保证所有 fetch 事件都由已安装的 worker 处理。
	storage, err := cache.NewStorage(cfg.Global.CacheBackend, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	network := server.NewNetworkClient(cfg)
	handler, err := worker.NewHandler(worker.Options{
		CacheName: cfg.Worker.CacheName,
		Manifest:  cfg.Worker.Manifest(),
		Origin:    cfg.OriginURL(),
		Storage:   storage,
		Network:   network,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}
	host, err := worker.NewHost(handler, network, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 宿主失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Worker.Origin
	fields["cache_name"] = cfg.Worker.CacheName
	fields["cache_backend"] = storage.Backend()
	fields["precache"] = len(cfg.Worker.Precache)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := host.Install(context.Background()); err != nil {
		fmt.Fprintf(stdErr, "worker 安装失败: %v\n", err)
		return 1
	}

	if err := startHTTPServer(cfg, host, handler, storage, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("site-worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SITE_WORKER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SITE_WORKER_CONFIG")
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
	cfg *config.Config,
	host *worker.Host,
	handler *worker.Handler,
	storage cache.Storage,
	logger *logrus.Logger,
) error {
	route, err := server.NewOriginRoute(cfg)
	if err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Route:  route,
		Proxy:  proxy.NewHandler(host, logger),
	})
	if err != nil {
		return err
	}
	routes.RegisterWorkerRoutes(app, routes.WorkerStatus{
		Host:    host,
		Worker:  handler,
		Storage: storage,
		Origin:  route.OriginURL.String(),
	})

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
