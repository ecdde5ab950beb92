package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/internal/account"
	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/ledger"
)

// signupRequest はサインアップリクエスト。
type signupRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email"`
	// Contact はEmailの別名。
	Contact string `json:"contact"`
	Phone   string `json:"phone"`
}

// handleGetAccount はアカウント情報と残高を返すハンドラを返す。
func (s *Server) handleGetAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, err := s.deps.Accounts.Get(c.Request.Context(), c.GetString(ctxAccountID))
		if errors.Is(err, account.ErrNotFound) {
			s.writeError(c, apperr.Wrap(apperr.NotFound, "アカウントが見つかりません", err))
			return
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":             acct.ID,
			"name":           acct.Name,
			"email":          acct.Email,
			"phone":          acct.Phone,
			"credit_balance": acct.CreditBalance,
			"held_credits":   acct.HeldCredits,
			"available":      acct.Available(),
			"created_at":     acct.CreatedAt,
			"payment_url":    s.paymentURL(c, acct.ID),
		})
	}
}

// handleTransactions は台帳エントリを新しい順に返すハンドラを返す。
func (s *Server) handleTransactions() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		entries, err := s.deps.Ledger.Entries(c.Request.Context(), c.GetString(ctxAccountID), limit)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": entries})
	}
}

// handlePaymentURL はクレジット補充先を返すハンドラを返す。
func (s *Server) handlePaymentURL() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"payment_url": s.paymentURL(c, c.GetString(ctxAccountID)),
			"methods":     []string{"card"},
		})
	}
}

// handleSignup はアカウントとデフォルトの認証キーを作成するハンドラを返す。
// 平文のキーはこのレスポンスでのみ返す。
func (s *Server) handleSignup() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "nameは必須です")
			return
		}
		email := req.Email
		if email == "" {
			email = req.Contact
		}

		ctx := c.Request.Context()
		acct, err := s.deps.Accounts.Create(ctx, account.NewAccount{Name: req.Name, Email: email, Phone: req.Phone})
		switch {
		case errors.Is(err, account.ErrInvalid):
			s.badRequest(c, err.Error())
			return
		case errors.Is(err, account.ErrEmailTaken):
			s.writeError(c, apperr.Wrap(apperr.Conflict, "このメールアドレスのアカウントは既に存在します", err))
			return
		case err != nil:
			s.writeError(c, err)
			return
		}

		minted, err := s.deps.Credentials.Mint(ctx, acct.ID, "")
		if err != nil {
			// キーの無いアカウントを残すと同じメールアドレスで再試行できなくなる
			if delErr := s.deps.Accounts.Delete(context.WithoutCancel(ctx), acct.ID); delErr != nil {
				s.logger.WithField("account_id", acct.ID).WithError(delErr).Error("作成途中のアカウントの削除に失敗")
			}
			s.writeError(c, err)
			return
		}

		credits := s.grantSignupBonus(ctx, acct.ID)
		s.logger.WithFields(logrus.Fields{
			"account_id": acct.ID,
			"credits":    credits,
		}).Info("アカウントを作成しました")

		c.JSON(http.StatusCreated, gin.H{
			"account_id":  acct.ID,
			"api_key":     minted.Key,
			"key_prefix":  minted.KeyPrefix,
			"credits":     credits,
			"status":      "active",
			"payment_url": s.paymentURL(c, acct.ID),
			"message":     "api_keyは再取得できません。安全な場所に保存してください。",
		})
	}
}

// grantSignupBonus は設定されていればサインアップボーナスを付与し、付与後の残高を返す。
// 付与に失敗してもサインアップ自体は成功させる。
func (s *Server) grantSignupBonus(ctx context.Context, accountID string) int64 {
	if s.cfg.SignupBonus <= 0 {
		return 0
	}
	entry, err := s.deps.Ledger.Credit(ctx, accountID, s.cfg.SignupBonus, ledger.KindSignupBonus, "signup")
	if err != nil {
		s.logger.WithField("account_id", accountID).WithError(err).Error("サインアップボーナスの付与に失敗")
		return 0
	}
	return entry.BalanceAfter
}
