package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"lumatalk-server/internal/app/orchestrator"
	"lumatalk-server/internal/app/persistence"
	"lumatalk-server/internal/core/pool"
	"lumatalk-server/internal/domain/auth"
	"lumatalk-server/internal/domain/eventbus"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/transcript"
	platformconfig "lumatalk-server/internal/platform/config"
	platformerrors "lumatalk-server/internal/platform/errors"
	platformlogging "lumatalk-server/internal/platform/logging"
	platformobservability "lumatalk-server/internal/platform/observability"
	platformstorage "lumatalk-server/internal/platform/storage"
	httptransport "lumatalk-server/internal/transport/http"
	"lumatalk-server/internal/transport/ws"
)

const shutdownTimeout = 15 * time.Second

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	config                *platformconfig.Config
	configPath            string
	logger                *platformlogging.Logger
	observabilityShutdown platformobservability.ShutdownFunc
	db                    *gorm.DB
	store                 transcript.Store
	phrases               transcript.PhraseStore
	bus                   *eventbus.Bus
	sink                  *persistence.Sink
	tokens                *auth.Tokens
	accounts              *auth.Accounts
	pool                  *pool.Pool
	stages                pipeline.Stages
	manager               *orchestrator.Manager
}

// Run 启动整个服务生命周期，负责加载配置、初始化依赖和优雅关停。
func Run(ctx context.Context) error {
	return run(ctx, &appState{})
}

func run(ctx context.Context, state *appState) error {
	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		state.release(context.Background())
		_ = state.logger.Close()
		return err
	}
	logger := state.logger
	logBootstrapGraph(steps, logger)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	group, groupCtx := errgroup.WithContext(serveCtx)

	if err := startServices(state, group, groupCtx); err != nil {
		cancelServe()
		_ = group.Wait()
		state.release(context.Background())
		_ = logger.Close()
		return err
	}
	logger.InfoTag("Boot", "服务已成功启动")

	// 任一服务异常退出时同样触发关停
	select {
	case <-signalCtx.Done():
		logger.InfoTag("Boot", "收到关闭信号 %v，正在进行资源清理", context.Cause(signalCtx))
	case <-groupCtx.Done():
		logger.WarnTag("Boot", "服务异常退出，正在关停")
	}

	return waitForShutdown(state, cancelServe, group)
}

func logBootstrapGraph(steps []initStep, logger *platformlogging.Logger) {
	if logger == nil {
		return
	}
	logger.InfoTag("Boot", "初始化依赖关系概览")
	for _, step := range steps {
		deps := "-"
		if len(step.DependsOn) > 0 {
			deps = strings.Join(step.DependsOn, ", ")
		}
		logger.InfoTag("Boot", "%s (%s) <- %s", step.ID, step.Title, deps)
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "storage:init-database",
			Title:     "Initialise database",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   initDatabaseStep,
		},
		{
			ID:        "transcript:init-store",
			Title:     "Initialise transcript store",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindStorage,
			Execute:   initTranscriptStep,
		},
		{
			ID:        "eventbus:init",
			Title:     "Start event bus",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initEventBusStep,
		},
		{
			ID:        "persistence:init-sink",
			Title:     "Start persistence sink",
			DependsOn: []string{"transcript:init-store", "eventbus:init"},
			Kind:      platformerrors.KindStorage,
			Execute:   initSinkStep,
		},
		{
			ID:        "auth:init-tokens",
			Title:     "Initialise token signer",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initTokensStep,
		},
		{
			ID:        "auth:init-accounts",
			Title:     "Initialise user accounts",
			DependsOn: []string{"storage:init-database", "auth:init-tokens"},
			Kind:      platformerrors.KindStorage,
			Execute:   initAccountsStep,
		},
		{
			ID:        "stages:init-pool",
			Title:     "Build stage adapters and pool",
			DependsOn: []string{"logging:init-provider", "observability:setup-hooks"},
			Kind:      platformerrors.KindStage,
			Execute:   initStagesStep,
		},
		{
			ID:        "orchestrator:init-manager",
			Title:     "Initialise session manager",
			DependsOn: []string{"stages:init-pool", "eventbus:init", "auth:init-tokens"},
			Kind:      platformerrors.KindSession,
			Execute:   initManagerStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	result, err := platformconfig.NewLoader().WithPath(state.configPath).Load()
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindConfig, "config:load", "failed to load config", err)
	}
	state.config = result.Config
	state.configPath = result.Path
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init-provider",
			"config not loaded",
		)
	}

	logger, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}
	state.logger = logger

	logger.InfoTag("Boot", "日志模块就绪 [%s] %s", state.config.Log.Level, state.configPath)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	cfg := platformobservability.Config{
		Enabled: strings.EqualFold(state.config.Log.Level, "debug"),
	}

	shutdown, err := platformobservability.Setup(ctx, cfg, state.logger.Slog())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown
	return nil
}

// initDatabaseStep opens SQLite unless everything lives in memory. Saved
// phrases use it even when transcripts go to redis.
func initDatabaseStep(_ context.Context, state *appState) error {
	if strings.EqualFold(state.config.Store.Driver, transcript.DriverMemory) {
		state.logger.InfoTag("Store", "内存存储模式，跳过数据库初始化")
		return nil
	}
	db, err := platformstorage.Open(platformstorage.Config{Path: state.config.Store.SQLitePath})
	if err != nil {
		return err
	}
	state.db = db
	state.logger.InfoTag("Store", "数据库就绪 %s", state.config.Store.SQLitePath)
	return nil
}

func initTranscriptStep(_ context.Context, state *appState) error {
	sc := state.config.Store
	cfg := transcript.Config{Driver: strings.ToLower(strings.TrimSpace(sc.Driver))}
	if cfg.Driver == transcript.DriverRedis {
		if sc.Redis.Addr == "" {
			return platformerrors.New(platformerrors.KindConfig, "transcript:init-store", "redis store addr is required")
		}
		cfg.Redis = &transcript.RedisConfig{
			Addr:     sc.Redis.Addr,
			Username: sc.Redis.Username,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}
	}

	deps := transcript.Dependencies{SQLiteDB: state.db}
	store, err := transcript.New(cfg, deps)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "transcript:init-store", "failed to create transcript store", err)
	}
	state.store = store
	state.phrases = transcript.NewPhraseStore(deps)
	state.logger.InfoTag("Store", "转写存储就绪 driver=%s", firstNonEmpty(cfg.Driver, transcript.DriverMemory))
	return nil
}

func initEventBusStep(_ context.Context, state *appState) error {
	state.bus = eventbus.New(eventbus.Options{Workers: 1}, state.logger)
	state.bus.Start()
	return nil
}

func initSinkStep(_ context.Context, state *appState) error {
	sink := persistence.New(state.store, state.bus, persistence.Options{
		Workers:    state.config.Store.QueueWorkers,
		MaxRetries: state.config.Store.MaxRetries,
	}, state.logger)
	if err := sink.Start(); err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "persistence:init-sink", "failed to subscribe sink", err)
	}
	state.sink = sink
	return nil
}

func initTokensStep(_ context.Context, state *appState) error {
	authCfg := state.config.Server.Auth
	state.tokens = auth.NewTokens(authCfg.Secret).WithTTL(authCfg.TokenTTL)
	return nil
}

func initAccountsStep(_ context.Context, state *appState) error {
	state.accounts = auth.NewAccounts(auth.NewUserStore(state.db), state.tokens, state.config.Server.Auth.BcryptCost)
	if state.db == nil {
		state.logger.WarnTag("Auth", "未配置数据库，用户账号仅保存在内存中")
	}
	return nil
}

func initStagesStep(ctx context.Context, state *appState) error {
	stages, err := pool.Build(state.config, state.logger)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStage, "stages:init-pool", "failed to build stage adapters", err)
	}

	// 翻译服务不可用时仅告警，会话仍可建立
	if checker, ok := stages.Translator.(interface{ Health(context.Context) error }); ok {
		healthCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := checker.Health(healthCtx); err != nil {
			state.logger.WarnTag("MT", "翻译服务健康检查失败: %v", err)
		}
		cancel()
	}

	pc := state.config.Pool
	state.pool = pool.New(pool.Config{ASR: pc.ASR, MT: pc.MT, TTS: pc.TTS}, state.logger)
	state.stages = state.pool.Wrap(stages)
	return nil
}

func initManagerStep(_ context.Context, state *appState) error {
	state.manager = orchestrator.NewManager(orchestrator.OptionsFromConfig(state.config), orchestrator.Dependencies{
		Stages: state.stages,
		Bus:    state.bus,
		Tokens: state.tokens,
		Logger: state.logger,
	})
	return nil
}

func startServices(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	if state.config.Transport.WebSocket.Enabled {
		if err := startTransportServer(state, g, groupCtx); err != nil {
			return platformerrors.Wrap(platformerrors.KindTransport, "transport:start-server", "failed to start websocket server", err)
		}
	}
	if state.config.Web.Enabled {
		if err := startHTTPServer(state, g, groupCtx); err != nil {
			return platformerrors.Wrap(platformerrors.KindTransport, "http:start-server", "failed to start http server", err)
		}
	}
	return nil
}

func startTransportServer(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	wsCfg := state.config.Transport.WebSocket
	logger := state.logger

	hub := ws.NewHub(logger)
	router := ws.NewRouter(hub, logger, ws.RouterOptions{
		HandshakeTimeout: wsCfg.HandshakeTimeout,
		Connection: ws.ConnectionConfig{
			WriteTimeout:    wsCfg.WriteTimeout,
			PingInterval:    wsCfg.PingInterval,
			ControlQueue:    wsCfg.ControlQueue,
			OrderedQueue:    wsCfg.OrderedQueue,
			InboundQueue:    wsCfg.InboundQueue,
			MaxMessageBytes: wsCfg.MaxMessageBytes,
		},
		Tokens:      state.tokens,
		RequireAuth: state.config.Server.Auth.Enabled,
	})
	addr := net.JoinHostPort(wsCfg.IP, strconv.Itoa(wsCfg.Port))
	server := ws.NewServer(ws.ServerConfig{
		Addr:             addr,
		Path:             wsCfg.Path,
		HandshakeTimeout: wsCfg.HandshakeTimeout,
	}, router, hub, logger)
	server.SetManager(state.manager)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	g.Go(func() error {
		err := server.Serve(groupCtx, listener)
		if stopErr := server.Stop(); stopErr != nil {
			logger.ErrorTag("Transport", "关闭 WebSocket 服务失败: %v", stopErr)
		}
		if err != nil {
			logger.ErrorTag("Transport", "WebSocket 服务运行失败: %v", err)
			return err
		}
		logger.InfoTag("Transport", "WebSocket 服务已优雅关闭")
		return nil
	})
	return nil
}

func startHTTPServer(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	cfg := state.config
	logger := state.logger

	opts := httptransport.Options{Config: cfg, Logger: logger}
	if cfg.Server.Auth.Enabled {
		opts.AuthMiddleware = httptransport.JWTMiddleware(state.tokens, logger)
	}
	router, err := httptransport.Build(opts)
	if err != nil {
		return err
	}

	health := httptransport.HealthSources{Store: state.store}
	if state.manager != nil {
		health.Sessions = state.manager
	}
	if state.pool != nil {
		health.Pool = state.pool
	}
	if state.sink != nil {
		health.Sink = state.sink
	}
	httptransport.NewHealthHandler(health, logger).RegisterRoutes(router)
	httptransport.NewAuthHandler(state.accounts, state.tokens, logger).RegisterRoutes(router)
	httptransport.NewSessionsHandler(state.store, logger).RegisterRoutes(router)
	httptransport.NewPhrasesHandler(state.phrases, logger).RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Web.Port),
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return err
	}

	g.Go(func() error {
		logger.InfoTag("HTTP", "Gin 服务已启动，访问地址 http://localhost:%d", cfg.Web.Port)

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag("HTTP", "HTTP 服务关闭失败: %v", err)
			} else {
				logger.InfoTag("HTTP", "HTTP 服务已优雅关闭")
			}
		}()

		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag("HTTP", "HTTP 服务运行失败: %v", err)
			return err
		}
		return nil
	})
	return nil
}

// waitForShutdown ends sessions first so clients receive session.ended, then
// stops the servers and drains persistence, all within shutdownTimeout.
func waitForShutdown(state *appState, cancel context.CancelFunc, g *errgroup.Group) error {
	logger := state.logger
	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if state.manager != nil {
		if err := state.manager.CloseAll(ctx, "server_shutdown"); err != nil {
			logger.WarnTag("Boot", "会话未能全部关闭: %v", err)
		}
	}

	cancel()
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- g.Wait()
	}()

	var err error
	select {
	case err = <-waitErr:
		if err != nil {
			logger.ErrorTag("Boot", "服务关闭过程中出现错误: %v", err)
		}
	case <-ctx.Done():
		err = errors.New("服务关闭超时")
		logger.ErrorTag("Boot", "服务关闭超时，已强制退出")
	}

	state.release(ctx)
	if err == nil {
		logger.InfoTag("Boot", "所有服务已成功关闭")
	}
	_ = logger.Close()
	return err
}

// release tears down whatever the init steps created, in reverse order.
func (s *appState) release(ctx context.Context) {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.bus != nil {
		s.bus.Stop()
	}
	if s.sink != nil {
		if err := s.sink.Stop(ctx); err != nil {
			s.logger.WarnTag("Store", "持久化队列未能排空: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(ctx); err != nil {
			s.logger.WarnTag("Store", "关闭转写存储失败: %v", err)
		}
	}
	if s.db != nil {
		if err := platformstorage.Close(s.db); err != nil {
			s.logger.WarnTag("Store", "关闭数据库失败: %v", err)
		}
	}
	if s.observabilityShutdown != nil {
		if err := s.observabilityShutdown(ctx); err != nil {
			s.logger.WarnTag("Boot", "可观测性未正常关闭: %v", err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
