package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/tollgate/internal/apperr"
)

// Kind は台帳エントリの種別。
type Kind string

const (
	KindTopup       Kind = "topup"
	KindUsage       Kind = "usage"
	KindRefund      Kind = "refund"
	KindPromo       Kind = "promo"
	KindSignupBonus Kind = "signup_bonus"
)

// Grantable は付与（正の入金）に使える種別かどうかを返す。
func (k Kind) Grantable() bool {
	switch k {
	case KindTopup, KindRefund, KindPromo, KindSignupBonus:
		return true
	}
	return false
}

// HoldStatus はホールドの状態。
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldSettled  HoldStatus = "settled"
	HoldReleased HoldStatus = "released"
	HoldExpired  HoldStatus = "expired"
)

var (
	// ErrAccountNotFound はアカウントが存在しないことを表す。
	ErrAccountNotFound = errors.New("アカウントが見つかりません")
	// ErrHoldNotFound はホールドが存在しないことを表す。
	ErrHoldNotFound = errors.New("ホールドが見つかりません")
	// ErrHoldClosed はホールドが既に精算・解放・失効済みであることを表す。
	ErrHoldClosed = errors.New("ホールドは既に終了しています")
	// ErrInvalidAmount は金額が不正であることを表す。
	ErrInvalidAmount = errors.New("金額が不正です")
	// ErrInvalidKind は付与に使えない種別であることを表す。
	ErrInvalidKind = errors.New("台帳エントリの種別が不正です")
)

// InsufficientCreditsError は利用可能なクレジットが不足していることを表す。
// apperr.PaymentRequiredをラップしているため、apperr.Asで402に変換できる。
type InsufficientCreditsError struct {
	// Balance はホールド中の額を除いた利用可能残高。
	Balance int64
	// Cost は必要なクレジット。
	Cost int64
}

// Error はerrorインターフェースを実装する。
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("クレジットが不足しています: balance=%d, cost=%d", e.Balance, e.Cost)
}

// Unwrap はapperr.PaymentRequiredを返す。
func (e *InsufficientCreditsError) Unwrap() error {
	return apperr.New(apperr.PaymentRequired, "クレジットが不足しています")
}

// Hold は転送前に確保したクレジット。
type Hold struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Amount    int64      `json:"amount"`
	Reference string     `json:"reference"`
	Status    HoldStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// Entry は台帳の1行。Amountは入金なら正、利用なら負。
type Entry struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"account_id"`
	Amount       int64     `json:"amount"`
	Kind         Kind      `json:"kind"`
	Reference    string    `json:"reference"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Balance はアカウントの残高情報。
type Balance struct {
	AccountID     string `json:"account_id"`
	CreditBalance int64  `json:"credit_balance"`
	HeldCredits   int64  `json:"held_credits"`
	Available     int64  `json:"available"`
}

// AuditReport は台帳を再計算した結果。
type AuditReport struct {
	AccountID      string `json:"account_id"`
	OpeningBalance int64  `json:"opening_balance"`
	// ReplayedBalance は開始残高に全エントリを順に加算した値。
	ReplayedBalance int64 `json:"replayed_balance"`
	CreditBalance   int64 `json:"credit_balance"`
	Entries         int   `json:"entries"`
	// FirstMismatchID はbalance_afterが再計算値と一致しなかった最初のエントリ。
	FirstMismatchID *int64 `json:"first_mismatch_id,omitempty"`
	Consistent      bool   `json:"consistent"`
}
