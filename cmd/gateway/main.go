// tollgateゲートウェイのエントリポイント。
// 認証キーの検証、クレジットの確保と精算、上流APIへの転送を1プロセスで担当する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/tollgate/internal/database"
	"github.com/nao1215/tollgate/internal/directory"
	"github.com/nao1215/tollgate/internal/gateway"
	"github.com/nao1215/tollgate/internal/ledger"
	"github.com/nao1215/tollgate/internal/settlement"
	"github.com/nao1215/tollgate/pkg/config"
	"github.com/nao1215/tollgate/pkg/logging"
	"github.com/nao1215/tollgate/pkg/monitoring"
)

// version はビルド時に -ldflags で上書きする。
var version = "dev"

// drainTimeout は停止時に精算キューの完了を待つ上限。
const drainTimeout = 30 * time.Second

func main() {
	logger := logging.NewWithService("tollgate")
	config.LoadEnv(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("設定の読み込みに失敗")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("tollgateが異常終了しました")
	}
	logger.Info("tollgateを停止しました")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	db, err := database.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	metrics := monitoring.New("tollgate", version)
	dispatcher := settlement.New(settlement.Options{
		Workers:     cfg.SettlementWorkers,
		QueueSize:   cfg.SettlementQueue,
		MaxRetries:  cfg.SettlementMaxRetries,
		TaskTimeout: cfg.SettlementTaskTimeout,
		Logger:      logger,
	})

	deps, err := gateway.NewDeps(db, cfg, dispatcher, metrics, logger, version)
	if err != nil {
		return err
	}
	if err := seedCatalog(ctx, cfg.CatalogFile, deps.Directory, logger); err != nil {
		return err
	}

	server := gateway.NewServer(cfg, deps)
	sweeper := ledger.NewSweeper(deps.Ledger, cfg.HoldTTL, cfg.SweepInterval, logger,
		ledger.WithEvents(deps.Events),
		ledger.WithExpiredCounter(metrics.ExpiredHolds),
	)
	reporter := settlement.NewReporter(logger, metrics.SettlementFailures, deps.Events)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		serveErr := server.Run(gctx)

		// 返却済みレスポンスの精算を取りこぼさないよう、HTTPサーバーの停止後にキューを空にする
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := dispatcher.Shutdown(drainCtx); err != nil {
			logger.WithError(err).Error("精算キューの完了を待てませんでした")
		}
		return serveErr
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		return reporter.Run(context.WithoutCancel(gctx), dispatcher.Failures())
	})

	logger.WithFields(logrus.Fields{
		"version":   version,
		"port":      cfg.Port,
		"call_cost": cfg.CallCost,
	}).Info("tollgateを起動します")
	return g.Wait()
}

// seedCatalog はカタログファイルが指定されていれば上流API定義を登録する。
func seedCatalog(ctx context.Context, path string, dir *directory.Directory, logger *logrus.Logger) error {
	if path == "" {
		return nil
	}
	defs, err := directory.LoadCatalog(path)
	if err != nil {
		return err
	}
	n, err := dir.Seed(ctx, defs)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"file": path, "apis": n}).Info("カタログを読み込みました")
	return nil
}
