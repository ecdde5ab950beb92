package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/internal/account"
	"github.com/nao1215/tollgate/internal/credential"
	"github.com/nao1215/tollgate/internal/directory"
	"github.com/nao1215/tollgate/internal/eventstore"
	"github.com/nao1215/tollgate/internal/ledger"
	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/usage"
	"github.com/nao1215/tollgate/pkg/config"
	"github.com/nao1215/tollgate/pkg/middleware"
	"github.com/nao1215/tollgate/pkg/monitoring"
)

// serviceName はログとヘルスチェックに使うサービス名。
const serviceName = "tollgate"

// Deps はServerが使うコンポーネント。
type Deps struct {
	Accounts    *account.Store
	Credentials *credential.Store
	Resolver    *credential.Resolver
	Ledger      *ledger.Ledger
	Directory   *directory.Directory
	Usage       *usage.Recorder
	Events      *eventstore.Store
	Pipeline    *pipeline.Pipeline
	Metrics     *monitoring.Metrics
	Logger      *logrus.Logger
}

// Server はtollgateのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg config.Config
	// deps は各コンポーネント。
	deps Deps
	// logger は構造化ロガー。
	logger *logrus.Logger
}

// NewServer は新しいServerを生成し、ルーティングを設定する。
func NewServer(cfg config.Config, deps Deps) *Server {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logger(deps.Logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}

	s := &Server{
		router: router,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされたらグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.cfg.Port).Info("HTTPサーバーを起動します")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	// 転送中の上流呼び出しが終わるまで待つ
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.UpstreamTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.Info("HTTPサーバーを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/v1")
	v1.Use(middleware.Deadline(s.cfg.RequestTimeout))

	// プロキシ（認証はpipelineで行う）
	v1.Any("/proxy/:slug", s.handleProxy())
	v1.Any("/proxy/:slug/*path", s.handleProxy())

	// 公開エンドポイント
	v1.POST("/signup", s.handleSignup())
	v1.GET("/apis", s.handleListAPIs())
	v1.GET("/apis/:slug", s.handleGetAPI())

	// 認証キーが必要なエンドポイント
	authed := v1.Group("")
	authed.Use(s.credentialAuth())
	{
		authed.GET("/keys", s.handleListKeys())
		authed.POST("/keys", s.handleCreateKey())
		authed.DELETE("/keys/:id", s.handleRevokeKey())

		authed.GET("/usage", s.handleUsage())

		authed.GET("/account", s.handleGetAccount())
		authed.GET("/account/transactions", s.handleTransactions())
		authed.GET("/account/payment-url", s.handlePaymentURL())
	}

	// 管理者API
	admin := v1.Group("/admin")
	admin.Use(middleware.AdminAuth(s.cfg.AdminJWTSecret))
	{
		admin.POST("/credits", s.handleGrantCredits())
		admin.GET("/accounts", s.handleListAccounts())
		admin.GET("/accounts/:id/audit", s.handleAudit())
		admin.GET("/events", s.handleListEvents())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", s.deps.Metrics.Handler())
	}
}
