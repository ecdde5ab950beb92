package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/pkg/middleware"
)

const (
	// headerLatency は上流呼び出しのレイテンシを返すヘッダー。
	headerLatency = "X-Gateway-Latency"
	// headerAPI は解決したslugを返すヘッダー。
	headerAPI = "X-Gateway-Api"
)

// handleProxy は上流APIへの転送を行うハンドラを返す。
// 上流のステータス・ボディ・Content-Typeをそのまま返し、返却後に精算タスクを投入する。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := s.readBody(c)
		if err != nil {
			s.writeError(c, err)
			return
		}

		token, _ := middleware.BearerToken(c)
		st, err := s.deps.Pipeline.Run(c.Request.Context(), pipeline.Request{
			Token:  token,
			Slug:   c.Param("slug"),
			Method: c.Request.Method,
			Path:   c.Request.URL.EscapedPath(),
			Query:  c.Request.URL.Query(),
			Header: c.Request.Header,
			Body:   body,
		})
		if st.Stage >= pipeline.Authenticated {
			setIdentity(c, st.Identity)
		}
		if err != nil {
			s.writeError(c, err)
			return
		}

		result := st.Result
		c.Header(headerLatency, fmt.Sprintf("%dms", result.Latency.Milliseconds()))
		c.Header(headerAPI, st.Upstream.Slug)
		c.Data(result.StatusCode, result.ContentType, result.Body)

		s.deps.Pipeline.Settle(st)
	}
}

// readBody はボディを持つメソッドの場合だけリクエストボディを上限まで読み取る。
func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	switch c.Request.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil
	}
	if c.Request.ContentLength > s.cfg.MaxRequestBodyBytes {
		return nil, tooLarge(s.cfg.MaxRequestBodyBytes)
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxRequestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge(s.cfg.MaxRequestBodyBytes)
		}
		return nil, apperr.Wrap(apperr.BadRequest, "リクエストボディの読み取りに失敗しました", err)
	}
	return body, nil
}

func tooLarge(limit int64) *apperr.Error {
	return apperr.New(apperr.PayloadTooLarge, fmt.Sprintf("リクエストボディは%dバイト以下にしてください", limit))
}
