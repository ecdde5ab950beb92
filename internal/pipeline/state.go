package pipeline

import (
	"net/http"
	"net/url"

	"github.com/nao1215/tollgate/internal/credential"
	"github.com/nao1215/tollgate/internal/directory"
	"github.com/nao1215/tollgate/internal/forwarder"
	"github.com/nao1215/tollgate/internal/ledger"
)

// Stage はリクエストが到達した段階。
type Stage int

const (
	Received Stage = iota
	Authenticated
	Affordable
	Resolved
	Forwarded
	Settled
)

var stageNames = [...]string{"received", "authenticated", "affordable", "resolved", "forwarded", "settled"}

// String は段階名を返す。
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Request はプロキシルートで受けた1回分の呼び出し。
type Request struct {
	// Token はAuthorizationヘッダーのBearerトークン。
	Token  string
	Slug   string
	Method string
	// Path は受信したエスケープされたままのパス（/v1/proxy/{slug}/... を含む）。
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// State は段階間で受け渡す値。各段階は更新したコピーを返し、受け取った値は変更しない。
type State struct {
	Stage    Stage
	Request  Request
	Identity credential.Identity
	Cost     int64
	// Hold は確保したクレジット。確保前はゼロ値。
	Hold     ledger.Hold
	Upstream directory.Upstream
	Result   forwarder.Result
}

// Held はクレジットを確保済みかどうかを返す。
func (s State) Held() bool {
	return s.Hold.ID != ""
}

// Succeeded は上流が2xxを返したかどうかを返す。2xxの場合だけ精算する。
func (s State) Succeeded() bool {
	return s.Stage >= Forwarded && s.Result.StatusCode >= 200 && s.Result.StatusCode < 300
}

// advance は段階を進めたコピーを返す。
func (s State) advance(stage Stage) State {
	s.Stage = stage
	return s
}
