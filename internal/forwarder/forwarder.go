// Package forwarder は呼び出し元のリクエストを上流APIへのリクエストに組み立て直して送信する。
//
// 呼び出し元のヘッダーは許可リストに含まれるものだけを転送し、
// 認証情報は上流APIの定義に従ってゲートウェイが注入する。
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/directory"
	"github.com/nao1215/tollgate/pkg/httpclient"
)

// RoutePrefix はプロキシルートの接頭辞。
const RoutePrefix = "/v1/proxy/"

// defaultContentType は上流が指定しなかった場合のContent-Type。
const defaultContentType = "application/json"

// forwardedHeaders は呼び出し元から上流へ転送するヘッダー。
var forwardedHeaders = []string{"Accept", "Accept-Language"}

// Call は転送する1回分のリクエスト。
type Call struct {
	Upstream directory.Upstream
	Method   string
	// Path は受信したリクエストのエスケープされたままのパス（/v1/proxy/{slug}/... を含む）。
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Result は上流APIのレスポンス。
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Latency     time.Duration
	// UpstreamPath はルート接頭辞を除いた上流側のパス。
	UpstreamPath  string
	RequestBytes  int64
	ResponseBytes int64
}

// Forwarder は上流APIへリクエストを転送する。
type Forwarder struct {
	client *httpclient.Client
	logger *logrus.Logger
}

// New は新しいForwarderを生成する。
func New(client *httpclient.Client, logger *logrus.Logger) *Forwarder {
	return &Forwarder{client: client, logger: logger}
}

// Forward はリクエストを組み立てて上流APIへ送信する。
// 上流がどのステータスを返しても成功として扱い、通信自体に失敗した場合だけ
// apperr.UpstreamUnavailableを返す。リトライはしない。
func (f *Forwarder) Forward(ctx context.Context, call Call) (Result, error) {
	remainder := StripRoute(call.Path, call.Upstream.Slug)
	target, err := BuildURL(call.Upstream.BaseURL, remainder, call.Query)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "転送先URLの組み立てに失敗しました", err)
	}

	header := make(http.Header)
	for _, name := range forwardedHeaders {
		if v := call.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}

	var body io.Reader
	if hasBody(call.Method) {
		body = bytes.NewReader(call.Body)
		contentType := call.Header.Get("Content-Type")
		if contentType == "" {
			contentType = defaultContentType
		}
		header.Set("Content-Type", contentType)
	}
	call.Upstream.Auth.Apply(target, header)

	// 呼び出し元が切断しても上流の副作用を途中で放棄しない。上限はクライアントのタイムアウト。
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), call.Method, target.String(), body)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "転送リクエストの作成に失敗しました", err)
	}
	req.Header = header

	start := time.Now()
	resp, err := f.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		f.logger.WithFields(logrus.Fields{
			"slug":       call.Upstream.Slug,
			"method":     call.Method,
			"path":       remainder,
			"latency_ms": latency.Milliseconds(),
		}).WithError(err).Warn("上流APIへの転送に失敗")
		return Result{}, unavailable(err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	var requestBytes int64
	if hasBody(call.Method) {
		requestBytes = int64(len(call.Body))
	}
	return Result{
		StatusCode:    resp.StatusCode,
		ContentType:   contentType,
		Body:          resp.Body,
		Latency:       latency,
		UpstreamPath:  remainderOrRoot(remainder),
		RequestBytes:  requestBytes,
		ResponseBytes: int64(len(resp.Body)),
	}, nil
}

// StripRoute は受信パスから /v1/proxy/{slug} を取り除いた残りを返す。
// 残りが無い場合は空文字を返す。
func StripRoute(path, slug string) string {
	prefix := RoutePrefix + slug
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return path
	}
	if rest != "" && !strings.HasPrefix(rest, "/") {
		// /v1/proxy/weatherX のような別slugへの誤一致
		return path
	}
	return rest
}

// BuildURL はbaseURLのパスに残りのパスを1つのスラッシュで連結し、クエリを付与する。
// remainderはエスケープされたままのパスで、%2Fなどはデコードせずに上流へ渡す。
// 残りが空の場合はbaseURLのパスそのもの（パスが無ければ/）になる。
func BuildURL(baseURL, remainder string, query url.Values) (*url.URL, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("base_urlの解析に失敗: %w", err)
	}
	target := *base
	switch {
	case remainder != "":
		rawPath := singleJoiningSlash(base.EscapedPath(), remainder)
		path, err := url.PathUnescape(rawPath)
		if err != nil {
			return nil, fmt.Errorf("パスのデコードに失敗: %w", err)
		}
		target.Path = path
		target.RawPath = rawPath
	case target.Path == "":
		target.Path = "/"
	}

	q := target.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	target.RawQuery = q.Encode()
	return &target, nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func remainderOrRoot(remainder string) string {
	if remainder == "" {
		return "/"
	}
	return remainder
}

// hasBody はボディを転送するメソッドかどうかを返す。
func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func unavailable(err error) *apperr.Error {
	msg := "上流APIに接続できません"
	if errors.Is(err, httpclient.ErrBodyTooLarge) {
		msg = "上流APIのレスポンスが大きすぎます"
	}
	return apperr.Wrap(apperr.UpstreamUnavailable, msg, err).WithDetails(err.Error())
}
