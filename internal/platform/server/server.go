package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"governance-gateway/internal/admin"
	"governance-gateway/internal/credential"
	"governance-gateway/internal/gateway"
	grpcserver "governance-gateway/internal/grpc"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/driver"
	"governance-gateway/internal/platform/health"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/middleware"
	"governance-gateway/internal/platform/tlsconf"
	"governance-gateway/internal/provider"
	"governance-gateway/internal/quota"
	"governance-gateway/internal/security/audit"
	"governance-gateway/internal/security/keymanager"
	"governance-gateway/internal/storage/database"
	"governance-gateway/internal/usage"

	"github.com/gin-gonic/gin"
)

// shutdownTimeout 優雅關閉的時限
const shutdownTimeout = 30 * time.Second

// components 組裝完成的服務元件
type components struct {
	handlers *Handlers
	admin    *admin.Service
	auth     *middleware.JWTMiddleware
	recorder *usage.Recorder
}

// buildComponents 依配置組裝憑證、配額、用量與補全元件
func buildComponents(cfg *config.Config, repos *database.Repositories, cipher credential.Cipher, ping health.Pinger) (*components, error) {
	g := cfg.Governance
	auditService := audit.NewAuditService(cfg.Security.Audit.Enabled)

	creds, err := credential.NewService(repos.Accounts, cipher, credential.Options{
		PoolIdentity: g.AdminPoolIdentity,
		CacheSize:    g.CredentialCacheSize,
		Audit:        auditService,
	})
	if err != nil {
		return nil, fmt.Errorf("創建憑證服務失敗: %w", err)
	}

	roles, err := quota.NewRoleTable(g.Roles, g.DefaultRole)
	if err != nil {
		return nil, fmt.Errorf("角色配置錯誤: %w", err)
	}
	governor, err := quota.NewGovernor(repos.Counters, repos.Accounts, quota.Options{
		Roles:    roles,
		Window:   time.Duration(g.RateWindowSeconds) * time.Second,
		FailOpen: g.FailOpen,
		Audit:    auditService,
	})
	if err != nil {
		return nil, fmt.Errorf("創建配額治理器失敗: %w", err)
	}

	ledger := usage.NewLedger(repos.Accounts, cfg.Usage.RecomputeRetry, nil)
	recorder := usage.NewRecorder(ledger, cfg.Usage.RecorderWorkers, cfg.Usage.RecorderBuffer)

	providerCfg := provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	}
	clients, err := gateway.NewClientCache(g.ClientCacheSize, func(apiKey string) provider.Completer {
		return provider.NewClient(apiKey, providerCfg)
	})
	if err != nil {
		return nil, err
	}

	gw := gateway.NewGateway(creds, governor, recorder, clients, gateway.NewPriceTable(cfg.Provider.Pricing), gateway.Options{
		DefaultModel:   cfg.Provider.DefaultModel,
		AppName:        cfg.App.Name,
		AdminPoolRPS:   cfg.Provider.AdminPoolRPS,
		AdminPoolBurst: cfg.Provider.AdminPoolBurst,
	})

	adminService := admin.NewService(creds, governor, ledger, auditService, nil)
	authn := cfg.Security.Authentication

	return &components{
		handlers: &Handlers{
			Health: health.NewHealthHandler(health.Options{
				AppName:  cfg.App.Name,
				Driver:   cfg.Database.Driver,
				FailOpen: g.FailOpen,
				Ping:     ping,
				Backlog:  recorder.Backlog,
			}),
			Credentials: credential.NewCredentialHandler(creds),
			Completions: gateway.NewCompletionHandler(gw),
			Usage:       usage.NewUsageHandler(ledger, auditService),
			Quota:       quota.NewQuotaHandler(governor),
			Admin:       admin.NewAdminHandler(adminService),
		},
		admin:    adminService,
		auth:     middleware.NewJWTMiddleware(authn.JWTSecret, authn.Issuer, authn.JWTEnabled),
		recorder: recorder,
	}, nil
}

// openRepositories 依驅動連接存儲；回傳健康檢查用的 ping 與關閉函式
func openRepositories(ctx context.Context, cfg *config.Config) (*database.Repositories, health.Pinger, func(), error) {
	if cfg.Database.Driver == config.DriverMemory {
		repos, err := database.NewRepositories(ctx, cfg, nil)
		return repos, nil, func() {}, err
	}

	conn, err := driver.OpenMongo(ctx, cfg.Database.Mongo)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("資料庫連接失敗: %w", err)
	}
	closeDB := func() {
		if err := conn.Close(); err != nil {
			logger.Error(ctx, "關閉 MongoDB 連接失敗", logger.WithError(err))
		}
	}

	repos, err := database.NewRepositories(ctx, cfg, conn.Database())
	if err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	return repos, conn.Ping, closeDB, nil
}

// Start 啟動伺服器，收到 SIGINT/SIGTERM 後優雅關閉.
func Start() error {
	if err := config.Load(); err != nil {
		return fmt.Errorf("載入設定失敗: %w", err)
	}
	cfg := config.Get()

	// 日誌輪轉設定來自配置，因此在載入配置之後初始化
	if err := logger.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx := context.Background()
	logger.Infof(ctx, "正在啟動 %s，環境: %s", cfg.App.Name, config.GetEnv())

	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 主密鑰缺失或過短時拒絕啟動
	cipher, err := keymanager.NewCredentialCipher(ctx, cfg.Security.Encryption)
	if err != nil {
		return fmt.Errorf("encryption initialization failed: %w", err)
	}

	repos, ping, closeDB, err := openRepositories(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	comp, err := buildComponents(cfg, repos, cipher, ping)
	if err != nil {
		return err
	}

	router, stopLimiters := Router(cfg, comp.auth, comp.handlers)
	defer stopLimiters()

	tlsConfig, err := tlsconf.Server(cfg.Security.TLS)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         config.GetServerAddr(),
		Handler:      router,
		TLSConfig:    tlsConfig,
		ReadTimeout:  time.Duration(cfg.Server.Timeout) * time.Second,
		WriteTimeout: 0, // SSE 需要長連接，設為 0 表示不超時
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof(ctx, "HTTP 伺服器正在監聽: %s", httpServer.Addr)
		var err error
		if tlsConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP 伺服器啟動失敗: %w", err)
		}
	}()

	var grpcServer *grpcserver.Server
	if cfg.GRPC.Enabled {
		grpcServer, err = grpcserver.NewServer(comp.admin, comp.auth, cfg.Security.TLS)
		if err != nil {
			return fmt.Errorf("gRPC 服務器創建失敗: %w", err)
		}
		lis, err := net.Listen("tcp", config.GetGRPCAddr())
		if err != nil {
			return fmt.Errorf("gRPC 監聽失敗: %w", err)
		}
		go func() {
			logger.Infof(ctx, "gRPC 管理服務正在監聽: %s", lis.Addr())
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("gRPC 服務器啟動失敗: %w", err)
			}
		}()
	}

	// 等待關閉信號或啟動失敗
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case <-quit:
		logger.Info(ctx, "收到關閉信號，正在優雅關閉伺服器...", logger.WithAction("shutdown"))
	case runErr = <-errCh:
		logger.Error(ctx, "服務異常結束", logger.WithError(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP 伺服器關閉失敗", logger.WithError(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	// 所有請求結束後再排空用量佇列
	if err := comp.recorder.Close(shutdownCtx); err != nil {
		logger.Error(ctx, "用量記錄器關閉逾時，部分事件未寫入", logger.WithError(err))
	}

	logger.Info(ctx, "伺服器已優雅關閉")
	return runErr
}
