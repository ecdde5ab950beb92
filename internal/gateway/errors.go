package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/ledger"
	"github.com/nao1215/tollgate/pkg/middleware"
)

// paymentAPI はクレジット補充先を取得するAPI。402レスポンスで案内する。
const paymentAPI = "GET /v1/account/payment-url"

// writeError はエラーをJSONレスポンスとして書き込む。
// クレジット不足の場合は残高・コスト・支払い先を含める。
func (s *Server) writeError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":       "クレジットが不足しています",
			"code":        apperr.PaymentRequired.Code(),
			"balance":     insufficient.Balance,
			"cost":        insufficient.Cost,
			"payment_url": s.paymentURL(c, c.GetString(ctxAccountID)),
			"payment_api": paymentAPI,
		})
		return
	}

	appErr := apperr.As(err)
	if appErr.Kind == apperr.Internal {
		s.logger.WithField("request_id", middleware.GetRequestID(c)).WithError(err).Error("内部エラー")
	}
	body := gin.H{"error": appErr.Message, "code": appErr.Kind.Code()}
	if appErr.Details != "" {
		body["details"] = appErr.Details
	}
	c.AbortWithStatusJSON(appErr.Status(), body)
}

// badRequest は400エラーを書き込む。
func (s *Server) badRequest(c *gin.Context, message string) {
	s.writeError(c, apperr.New(apperr.BadRequest, message))
}

// baseURL は外部公開URLを返す。設定が無ければリクエストから推定する。
func (s *Server) baseURL(c *gin.Context) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host
}

// paymentURL はアカウントのクレジット補充ページのURLを返す。
func (s *Server) paymentURL(c *gin.Context, accountID string) string {
	return s.baseURL(c) + "/pay/" + accountID
}
