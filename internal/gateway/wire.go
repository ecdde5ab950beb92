package gateway

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/internal/account"
	"github.com/nao1215/tollgate/internal/credential"
	"github.com/nao1215/tollgate/internal/directory"
	"github.com/nao1215/tollgate/internal/eventstore"
	"github.com/nao1215/tollgate/internal/forwarder"
	"github.com/nao1215/tollgate/internal/ledger"
	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/usage"
	"github.com/nao1215/tollgate/pkg/config"
	"github.com/nao1215/tollgate/pkg/httpclient"
	"github.com/nao1215/tollgate/pkg/monitoring"
)

// NewDeps はデータベースと設定から各コンポーネントを組み立てる。
// dispatchは精算タスクの投入先、versionはUser-Agentに使う。
func NewDeps(db *sql.DB, cfg config.Config, dispatch pipeline.Dispatcher, metrics *monitoring.Metrics, logger *logrus.Logger, version string) (Deps, error) {
	resolver, err := credential.NewResolver(db, cfg.BcryptCost)
	if err != nil {
		return Deps{}, fmt.Errorf("認証キー照合の初期化に失敗: %w", err)
	}

	events := eventstore.NewStore(db)
	l := ledger.New(db)
	dir := directory.New(db)
	recorder := usage.NewRecorder(db)
	client := httpclient.New(httpclient.Options{
		Timeout:          cfg.UpstreamTimeout,
		UserAgent:        serviceName + "/" + version,
		MaxResponseBytes: cfg.MaxResponseBodyBytes,
	})

	return Deps{
		Accounts:    account.NewStore(db),
		Credentials: credential.NewStore(db, cfg.BcryptCost, events),
		Resolver:    resolver,
		Ledger:      l,
		Directory:   dir,
		Usage:       recorder,
		Events:      events,
		Pipeline: pipeline.New(pipeline.Deps{
			Auth:      resolver,
			Ledger:    l,
			Directory: dir,
			Forwarder: forwarder.New(client, logger),
			Usage:     recorder,
			Dispatch:  dispatch,
			Metrics:   metrics,
			Logger:    logger,
		}, cfg.CallCost),
		Metrics: metrics,
		Logger:  logger,
	}, nil
}
