package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/nao1215/tollgate/internal/credential"
	"github.com/nao1215/tollgate/pkg/middleware"
)

const (
	// ctxAccountID はGinコンテキストに呼び出し元のアカウントIDを格納するキー。
	// リクエストログのaccount_idにも使われる。
	ctxAccountID = "account_id"
	// ctxCredentialID はGinコンテキストに認証キーIDを格納するキー。
	ctxCredentialID = "credential_id"
)

// credentialAuth は認証キーを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにアカウントIDと認証キーIDを設定する。
func (s *Server) credentialAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := middleware.BearerToken(c)
		identity, err := s.deps.Resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			s.writeError(c, err)
			return
		}
		setIdentity(c, identity)
		c.Next()
	}
}

// setIdentity は呼び出し元をコンテキストに設定する。
func setIdentity(c *gin.Context, identity credential.Identity) {
	c.Set(ctxAccountID, identity.AccountID)
	c.Set(ctxCredentialID, identity.CredentialID)
}
