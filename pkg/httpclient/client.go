package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout は上流呼び出しのデフォルトタイムアウト。
const DefaultTimeout = 10 * time.Second

// ErrBodyTooLarge はレスポンスボディが上限を超えたことを表す。
var ErrBodyTooLarge = errors.New("レスポンスボディが上限を超えています")

// Options はクライアントの設定。
type Options struct {
	// Timeout は1回の呼び出し全体（接続からボディ読み取りまで）のタイムアウト。
	Timeout time.Duration
	// UserAgent は全リクエストに付与するUser-Agent。
	UserAgent string
	// MaxResponseBytes は読み取るレスポンスボディの上限。0以下なら無制限。
	MaxResponseBytes int64
	// Transport は差し替え用のトランスポート。nilならデフォルトを使う。
	Transport http.RoundTripper
}

// Client は上流API呼び出し用のHTTPクライアント。
// リダイレクトは追従せず、3xxレスポンスをそのまま呼び出し元に返す。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// userAgent は付与するUser-Agent。
	userAgent string
	// maxResponseBytes はレスポンスボディの上限。
	maxResponseBytes int64
}

// New は新しい上流API呼び出し用クライアントを生成する。
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:        opts.UserAgent,
		maxResponseBytes: opts.MaxResponseBytes,
	}
}

// Response は読み取り済みの上流レスポンス。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ全体。
	Body []byte
}

// Do はリクエストを送信し、ボディを上限まで読み取って返す。
// ステータスコードに関わらず、レスポンスを受け取れた場合はエラーにしない。
func (c *Client) Do(req *http.Request) (*Response, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, c.maxResponseBytes)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Timeout は設定されたタイムアウトを返す。
func (c *Client) Timeout() time.Duration {
	return c.httpClient.Timeout
}

// readLimited はlimitバイトまで読み取る。limitを超えた場合はErrBodyTooLargeを返す。
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: limit=%d", ErrBodyTooLarge, limit)
	}
	return body, nil
}
