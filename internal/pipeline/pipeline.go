// Package pipeline はプロキシ呼び出し1回分の処理を段階ごとに進める。
//
// 段階は Received → Authenticated → Affordable → Resolved → Forwarded → Settled の順に進む。
// 転送前の段階で失敗した場合、確保済みのクレジットは解放してからエラーを返す。
// 精算と利用記録はレスポンス返却後にsettlementパッケージのワーカーで実行する。
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/credential"
	"github.com/nao1215/tollgate/internal/directory"
	"github.com/nao1215/tollgate/internal/forwarder"
	"github.com/nao1215/tollgate/internal/ledger"
	"github.com/nao1215/tollgate/internal/settlement"
	"github.com/nao1215/tollgate/internal/usage"
	"github.com/nao1215/tollgate/pkg/monitoring"
)

// Authenticator は認証キーからアカウントを解決する。
type Authenticator interface {
	Resolve(ctx context.Context, token string) (credential.Identity, error)
}

// Ledger はクレジットの確保と精算を行う。
type Ledger interface {
	Hold(ctx context.Context, accountID string, cost int64, reference string) (ledger.Hold, error)
	Settle(ctx context.Context, holdID string) (ledger.Entry, error)
	Release(ctx context.Context, holdID string) error
	GetHold(ctx context.Context, holdID string) (ledger.Hold, error)
}

// Directory は上流APIを解決する。
type Directory interface {
	Resolve(ctx context.Context, slug string) (directory.Upstream, error)
	MatchEndpoint(ctx context.Context, upstreamID, method, path string) (string, bool, error)
}

// Forwarder は上流APIへ転送する。
type Forwarder interface {
	Forward(ctx context.Context, call forwarder.Call) (forwarder.Result, error)
}

// UsageRecorder は利用記録を保存する。
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Dispatcher は精算タスクをバックグラウンドで実行する。
type Dispatcher interface {
	Submit(task settlement.Task) error
}

// Deps はPipelineが使うコンポーネント。
type Deps struct {
	Auth      Authenticator
	Ledger    Ledger
	Directory Directory
	Forwarder Forwarder
	Usage     UsageRecorder
	Dispatch  Dispatcher
	// Metrics はnilでもよい。
	Metrics *monitoring.Metrics
	Logger  *logrus.Logger
}

// Pipeline はプロキシ呼び出しを処理する。
type Pipeline struct {
	deps Deps
	cost int64
}

// stageFunc は1つの段階。
type stageFunc func(ctx context.Context, st State) (State, error)

// New は新しいPipelineを生成する。costは1回の呼び出しに課金するクレジット。
func New(deps Deps, cost int64) *Pipeline {
	if cost <= 0 {
		cost = 1
	}
	return &Pipeline{deps: deps, cost: cost}
}

// Cost は1回の呼び出しに課金するクレジットを返す。
func (p *Pipeline) Cost() int64 {
	return p.cost
}

// Run は認証・確保・解決・転送を順に実行する。
// 上流がどのステータスを返しても転送は成功として扱う。
// 失敗した場合は失敗直前のStateとエラーを返す。
func (p *Pipeline) Run(ctx context.Context, req Request) (State, error) {
	st := State{Stage: Received, Request: req, Cost: p.cost}

	for _, stage := range []stageFunc{p.authenticate, p.reserve, p.resolve, p.forward} {
		next, err := stage(ctx, st)
		if err != nil {
			p.abort(ctx, st, err)
			return st, err
		}
		st = next
	}
	p.observe(st, "forwarded")
	return st, nil
}

// Settle はレスポンス返却後の精算タスクを投入する。
// 2xxならホールドを精算し、それ以外なら解放する。利用記録はステータスに関わらず書き込む。
func (p *Pipeline) Settle(st State) State {
	if st.Stage != Forwarded {
		return st
	}

	holdTask := settlement.Task{
		Name:      settlement.TaskRelease,
		Reference: st.Hold.ID,
		AccountID: st.Identity.AccountID,
		Run:       p.releaseTask(st.Hold.ID),
	}
	if st.Succeeded() {
		holdTask.Name = settlement.TaskSettle
		holdTask.Run = p.settleTask(st.Hold.ID)
	}

	rec := usage.Record{
		// IDを先に決めておくとリトライしても重複しない。
		ID:            uuid.New().String(),
		CredentialID:  st.Identity.CredentialID,
		UpstreamID:    st.Upstream.ID,
		Method:        st.Request.Method,
		Path:          st.Result.UpstreamPath,
		StatusCode:    st.Result.StatusCode,
		LatencyMs:     st.Result.Latency.Milliseconds(),
		RequestBytes:  st.Result.RequestBytes,
		ResponseBytes: st.Result.ResponseBytes,
		CreatedAt:     time.Now().UTC(),
	}
	usageTask := settlement.Task{
		Name:      settlement.TaskUsage,
		Reference: rec.ID,
		AccountID: st.Identity.AccountID,
		Run:       p.usageTask(rec),
	}

	p.submit(holdTask)
	p.submit(usageTask)
	return st.advance(Settled)
}

func (p *Pipeline) authenticate(ctx context.Context, st State) (State, error) {
	identity, err := p.deps.Auth.Resolve(ctx, st.Request.Token)
	if err != nil {
		return st, err
	}
	st.Identity = identity
	return st.advance(Authenticated), nil
}

func (p *Pipeline) reserve(ctx context.Context, st State) (State, error) {
	reference := st.Request.Method + " " + st.Request.Path
	hold, err := p.deps.Ledger.Hold(ctx, st.Identity.AccountID, st.Cost, reference)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			// 認証キーは残っているがアカウントが無い
			return st, apperr.Wrap(apperr.Unauthenticated, "認証キーが無効です", err)
		}
		return st, err
	}
	st.Hold = hold
	return st.advance(Affordable), nil
}

func (p *Pipeline) resolve(ctx context.Context, st State) (State, error) {
	upstream, err := p.deps.Directory.Resolve(ctx, st.Request.Slug)
	if err != nil {
		return st, err
	}
	st.Upstream = upstream
	return st.advance(Resolved), nil
}

func (p *Pipeline) forward(ctx context.Context, st State) (State, error) {
	result, err := p.deps.Forwarder.Forward(ctx, forwarder.Call{
		Upstream: st.Upstream,
		Method:   st.Request.Method,
		Path:     st.Request.Path,
		Query:    st.Request.Query,
		Header:   st.Request.Header,
		Body:     st.Request.Body,
	})
	if err != nil {
		return st, err
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.UpstreamLatency.WithLabelValues(st.Upstream.Slug).Observe(result.Latency.Seconds())
	}
	st.Result = result
	return st.advance(Forwarded), nil
}

// abort は失敗時の後始末を行う。確保済みのクレジットはその場で解放し、
// 解放に失敗した場合はワーカーに再試行させる。
func (p *Pipeline) abort(ctx context.Context, st State, err error) {
	p.observe(st, strings.ToLower(apperr.As(err).Kind.Code()))
	if !st.Held() {
		return
	}

	release := p.releaseTask(st.Hold.ID)
	if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
		p.deps.Logger.WithFields(logrus.Fields{
			"hold_id":    st.Hold.ID,
			"account_id": st.Identity.AccountID,
		}).WithError(rerr).Warn("ホールドの解放に失敗したため再試行します")
		p.submit(settlement.Task{
			Name:      settlement.TaskRelease,
			Reference: st.Hold.ID,
			AccountID: st.Identity.AccountID,
			Run:       release,
		})
	}
}

// settleTask はホールドを精算するタスクを返す。
// 前回の試行で精算済みならば成功とみなし、失効などで閉じていれば恒久的な失敗とする。
func (p *Pipeline) settleTask(holdID string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := p.deps.Ledger.Settle(ctx, holdID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ledger.ErrHoldClosed):
			hold, gerr := p.deps.Ledger.GetHold(ctx, holdID)
			if gerr == nil && hold.Status == ledger.HoldSettled {
				return nil
			}
			return settlement.Permanent(err)
		case errors.Is(err, ledger.ErrHoldNotFound):
			return settlement.Permanent(err)
		}
		return err
	}
}

// releaseTask はホールドを解放するタスクを返す。既に閉じていれば何もしない。
func (p *Pipeline) releaseTask(holdID string) func(context.Context) error {
	return func(ctx context.Context) error {
		err := p.deps.Ledger.Release(ctx, holdID)
		switch {
		case err == nil, errors.Is(err, ledger.ErrHoldClosed):
			return nil
		case errors.Is(err, ledger.ErrHoldNotFound):
			return settlement.Permanent(err)
		}
		return err
	}
}

// usageTask は利用記録を書き込むタスクを返す。
func (p *Pipeline) usageTask(rec usage.Record) func(context.Context) error {
	return func(ctx context.Context) error {
		if rec.EndpointID == "" {
			id, ok, err := p.deps.Directory.MatchEndpoint(ctx, rec.UpstreamID, rec.Method, rec.Path)
			if err != nil {
				return err
			}
			if ok {
				rec.EndpointID = id
			}
		}
		err := p.deps.Usage.Record(ctx, rec)
		if errors.Is(err, usage.ErrInvalidRecord) {
			return settlement.Permanent(err)
		}
		return err
	}
}

// submit はタスクを投入する。停止済みで投入できない場合はその場で1回だけ実行する。
func (p *Pipeline) submit(task settlement.Task) {
	err := p.deps.Dispatch.Submit(task)
	if err == nil {
		return
	}
	entry := p.deps.Logger.WithFields(logrus.Fields{
		"task":      task.Name,
		"reference": task.Reference,
	})
	entry.WithError(err).Warn("精算タスクを投入できないため同期実行します")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		entry.WithError(err).Error("精算タスクの同期実行に失敗")
	}
}

// observe はプロキシ呼び出しの結果をメトリクスに記録する。
func (p *Pipeline) observe(st State, outcome string) {
	if p.deps.Metrics == nil {
		return
	}
	slug := "unresolved"
	if st.Stage >= Resolved {
		slug = st.Upstream.Slug
	}
	p.deps.Metrics.ProxyRequests.WithLabelValues(slug, outcome).Inc()
}
