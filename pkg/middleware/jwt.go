package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// adminIssuer は管理者トークンの発行者名。
const adminIssuer = "tollgate-admin"

// roleAdmin は管理者ロール。
const roleAdmin = "admin"

// AdminClaims は管理者JWTトークンのクレーム（ペイロード）を表す。
// クレジット付与など、運用者だけが行う操作の認可に使用する。
type AdminClaims struct {
	jwt.RegisteredClaims
	// Role はトークン保持者のロール。現在は "admin" のみ。
	Role string `json:"role"`
}

// GenerateAdminJWT は運用者名から管理者JWTトークンを生成する。
// cmd/admintoken から呼び出される。
func GenerateAdminJWT(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWTシークレットが空です")
	}
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    adminIssuer,
		},
		Role: roleAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(c *gin.Context) (string, bool) {
	token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// AdminAuth は管理者JWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "admin_subject" を設定する。
// secretが空の場合は管理者APIを無効として503を返す。
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "管理者APIが設定されていません",
				"code":  "ADMIN_DISABLED",
			})
			return
		}

		tokenString, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークンが必要です",
				"code":  "UNAUTHENTICATED",
			})
			return
		}

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(adminIssuer))
		if err != nil || !token.Valid || claims.Role != roleAdmin {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
				"code":  "UNAUTHENTICATED",
			})
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}

// GetAdminSubject はGinコンテキストから管理者名を取得する。
// AdminAuthミドルウェアが事前に適用されている必要がある。
func GetAdminSubject(c *gin.Context) string {
	return c.GetString("admin_subject")
}
