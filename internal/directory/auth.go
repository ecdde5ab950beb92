package directory

import (
	"fmt"
	"net/http"
	"net/url"
)

// AuthKind は上流APIの認証方式。
type AuthKind string

const (
	AuthNone         AuthKind = "none"
	AuthAPIKeyQuery  AuthKind = "api_key_query"
	AuthAPIKeyHeader AuthKind = "api_key_header"
	AuthBearer       AuthKind = "bearer"
)

// defaultBearerHeader はBearer方式のデフォルトヘッダー。
const defaultBearerHeader = "Authorization"

// AuthScheme は上流APIへの認証情報の注入方法。
type AuthScheme struct {
	Kind AuthKind `json:"type" yaml:"type"`
	// Name はクエリパラメータ名またはヘッダー名。
	Name string `json:"name,omitempty" yaml:"name"`
	// Key は注入する秘密の値。
	Key string `json:"-" yaml:"key"`
}

// Validate は認証方式の設定を検証する。
func (a AuthScheme) Validate() error {
	switch a.Kind {
	case AuthNone:
		return nil
	case AuthAPIKeyQuery, AuthAPIKeyHeader:
		if a.Name == "" {
			return fmt.Errorf("%w: %sにはnameが必要です", ErrInvalidDefinition, a.Kind)
		}
	case AuthBearer:
	default:
		return fmt.Errorf("%w: 未知の認証方式 %q", ErrInvalidDefinition, a.Kind)
	}
	if a.Key == "" {
		return fmt.Errorf("%w: %sにはkeyが必要です", ErrInvalidDefinition, a.Kind)
	}
	return nil
}

// Apply はURLとヘッダーに認証情報を注入する。
// 同名のクエリやヘッダーを呼び出し元が指定していても上書きする。
func (a AuthScheme) Apply(u *url.URL, h http.Header) {
	switch a.Kind {
	case AuthAPIKeyQuery:
		q := u.Query()
		q.Set(a.Name, a.Key)
		u.RawQuery = q.Encode()
	case AuthAPIKeyHeader:
		h.Set(a.Name, a.Key)
	case AuthBearer:
		name := a.Name
		if name == "" {
			name = defaultBearerHeader
		}
		h.Set(name, "Bearer "+a.Key)
	}
}

// Redacted は秘密の値を除いたコピーを返す。
func (a AuthScheme) Redacted() AuthScheme {
	return AuthScheme{Kind: a.Kind, Name: a.Name}
}
