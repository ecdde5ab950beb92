// Package apperr はゲートウェイのエラー分類とHTTPステータスへの対応付けを定義する。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind はエラーの分類。
type Kind int

const (
	// Internal は想定外の内部エラー。
	Internal Kind = iota
	// Unauthenticated は認証キーが無い、または解決できないことを表す。
	Unauthenticated
	// PaymentRequired はクレジット残高が不足していることを表す。
	PaymentRequired
	// NotFound は対象が存在しないことを表す。
	NotFound
	// Gone は対象が存在するが利用できない状態であることを表す。
	Gone
	// UpstreamUnavailable は上流APIへの通信に失敗したことを表す。
	UpstreamUnavailable
	// BadRequest はリクエストが不正であることを表す。
	BadRequest
	// Conflict は一意制約などの競合を表す。
	Conflict
	// PayloadTooLarge はリクエストボディが上限を超えたことを表す。
	PayloadTooLarge
)

// kindInfo はKindごとのHTTPステータスとエラーコード。
var kindInfo = map[Kind]struct {
	status int
	code   string
}{
	Internal:            {http.StatusInternalServerError, "INTERNAL_ERROR"},
	Unauthenticated:     {http.StatusUnauthorized, "UNAUTHENTICATED"},
	PaymentRequired:     {http.StatusPaymentRequired, "PAYMENT_REQUIRED"},
	NotFound:            {http.StatusNotFound, "NOT_FOUND"},
	Gone:                {http.StatusGone, "GONE"},
	UpstreamUnavailable: {http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
	BadRequest:          {http.StatusBadRequest, "BAD_REQUEST"},
	Conflict:            {http.StatusConflict, "CONFLICT"},
	PayloadTooLarge:     {http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
}

// Status はKindに対応するHTTPステータスを返す。
func (k Kind) Status() int {
	if info, ok := kindInfo[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Code はKindに対応するエラーコードを返す。
func (k Kind) Code() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return "INTERNAL_ERROR"
}

// Error はHTTPレスポンスに変換できるアプリケーションエラー。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Message は利用者向けのメッセージ。
	Message string
	// Details は補足情報。502の場合は通信エラーの内容を入れる。
	Details string
	// Err は元のエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap は元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Status はHTTPステータスを返す。
func (e *Error) Status() int {
	return e.Kind.Status()
}

// New は新しいアプリケーションエラーを生成する。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap は元のエラーを保持したアプリケーションエラーを生成する。
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails は補足情報を設定したコピーを返す。
func (e *Error) WithDetails(details string) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// As はエラーチェーンからアプリケーションエラーを取り出す。
// 見つからない場合はInternalとして包んで返す。
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(Internal, "内部サーバーエラーが発生しました", err)
}

// Is はエラーチェーンに指定したKindのアプリケーションエラーが含まれるかを返す。
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
