package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/eventstore"
	"github.com/nao1215/tollgate/internal/ledger"
	"github.com/nao1215/tollgate/pkg/event"
	"github.com/nao1215/tollgate/pkg/middleware"
)

// grantRequest はクレジット付与リクエスト。
type grantRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	// Kind は台帳エントリの種別。省略時はtopup。
	Kind   ledger.Kind `json:"kind"`
	Reason string      `json:"reason"`
}

// handleGrantCredits はアカウントにクレジットを付与するハンドラを返す。
func (s *Server) handleGrantCredits() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req grantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "account_idと正のamountは必須です")
			return
		}
		if req.Kind == "" {
			req.Kind = ledger.KindTopup
		}
		if !req.Kind.Grantable() {
			s.badRequest(c, "kindはtopup・promo・refund・signup_bonusのいずれかを指定してください")
			return
		}
		if req.Reason == "" {
			req.Reason = "admin grant"
		}

		ctx := c.Request.Context()
		entry, err := s.deps.Ledger.Credit(ctx, req.AccountID, req.Amount, req.Kind, req.Reason)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			s.writeError(c, apperr.Wrap(apperr.NotFound, "アカウントが見つかりません", err))
			return
		}
		if err != nil {
			s.writeError(c, err)
			return
		}

		grantedBy := middleware.GetAdminSubject(c)
		s.recordGrant(c, entry, grantedBy)
		s.logger.WithFields(logrus.Fields{
			"account_id": req.AccountID,
			"amount":     req.Amount,
			"kind":       req.Kind,
			"granted_by": grantedBy,
		}).Info("クレジットを付与しました")

		c.JSON(http.StatusOK, gin.H{
			"account_id":       req.AccountID,
			"previous_balance": entry.BalanceAfter - entry.Amount,
			"granted":          entry.Amount,
			"new_balance":      entry.BalanceAfter,
			"entry":            entry,
		})
	}
}

// recordGrant は付与イベントを記録する。記録に失敗しても付与は取り消さない。
func (s *Server) recordGrant(c *gin.Context, entry ledger.Entry, grantedBy string) {
	ev, err := event.New(entry.AccountID, event.AggregateTypeAccount, event.TypeCreditsGranted, event.CreditsGrantedData{
		Amount:       entry.Amount,
		Kind:         string(entry.Kind),
		GrantedBy:    grantedBy,
		BalanceAfter: entry.BalanceAfter,
	})
	if err == nil {
		err = s.deps.Events.Append(c.Request.Context(), ev)
	}
	if err != nil {
		s.logger.WithField("account_id", entry.AccountID).WithError(err).Error("付与イベントの記録に失敗")
	}
}

// handleListAccounts はアカウント一覧を返すハンドラを返す。
func (s *Server) handleListAccounts() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))
		accounts, err := s.deps.Accounts.List(c.Request.Context(), limit, offset)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(accounts), "accounts": accounts})
	}
}

// handleAudit は台帳を再計算した結果を返すハンドラを返す。
func (s *Server) handleAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := s.deps.Ledger.Audit(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ledger.ErrAccountNotFound) {
			s.writeError(c, apperr.Wrap(apperr.NotFound, "アカウントが見つかりません", err))
			return
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// handleListEvents は運用イベントを新しい順に返すハンドラを返す。
// type・since（RFC3339）・limitで絞り込める。
func (s *Server) handleListEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := eventstore.Filter{Type: event.Type(c.Query("type"))}
		if filter.Type != "" && !filter.Type.Valid() {
			s.badRequest(c, "typeが不正です")
			return
		}
		if raw := c.Query("since"); raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.badRequest(c, "sinceはRFC3339形式で指定してください")
				return
			}
			filter.Since = since
		}
		filter.Limit, _ = strconv.Atoi(c.Query("limit"))

		events, err := s.deps.Events.List(c.Request.Context(), filter)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(events), "events": events})
	}
}
