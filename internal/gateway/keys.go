package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/credential"
	"github.com/nao1215/tollgate/internal/usage"
)

// createKeyRequest は認証キー発行リクエスト。
type createKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleListKeys は自分の認証キー一覧を返すハンドラを返す。
// ハッシュと平文は含まない。
func (s *Server) handleListKeys() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := s.deps.Credentials.List(c.Request.Context(), c.GetString(ctxAccountID))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys})
	}
}

// handleCreateKey は認証キーを発行するハンドラを返す。平文のキーはこのレスポンスでのみ返す。
func (s *Server) handleCreateKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "nameは必須です")
			return
		}

		minted, err := s.deps.Credentials.Mint(c.Request.Context(), c.GetString(ctxAccountID), req.Name)
		if errors.Is(err, credential.ErrInvalidName) {
			s.badRequest(c, err.Error())
			return
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, minted)
	}
}

// handleRevokeKey は認証キーを無効化するハンドラを返す。
func (s *Server) handleRevokeKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.deps.Credentials.Revoke(c.Request.Context(), c.GetString(ctxAccountID), c.Param("id"))
		if errors.Is(err, credential.ErrNotFound) {
			s.writeError(c, apperr.Wrap(apperr.NotFound, "認証キーが見つかりません", err))
			return
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "active": false})
	}
}

// usageResponse は利用状況のレスポンス。
type usageResponse struct {
	Days int `json:"days"`
	usage.Summary
}

// handleUsage は呼び出しに使った認証キーの直近N日間の利用状況を返すハンドラを返す。
// 読み取り専用で、台帳や利用記録には何も書き込まない。
func (s *Server) handleUsage() gin.HandlerFunc {
	return func(c *gin.Context) {
		days := usage.DefaultDays
		if raw := c.Query("days"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				days = n
			}
		}
		days = usage.ClampDays(days)

		since := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		summary, err := s.deps.Usage.Stats(c.Request.Context(), c.GetString(ctxCredentialID), since)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, usageResponse{Days: days, Summary: summary})
	}
}
