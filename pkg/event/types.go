// Package event はゲートウェイの運用イベントの型を定義する。
// 精算失敗やホールド失効など、レスポンス返却後に起きた事象をイベントログに残すために使う。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeAccount はアカウントを表す。
	AggregateTypeAccount AggregateType = "Account"
	// AggregateTypeCredential は認証キーを表す。
	AggregateTypeCredential AggregateType = "Credential"
	// AggregateTypeHold はクレジットの与信（ホールド）を表す。
	AggregateTypeHold AggregateType = "CreditHold"
	// AggregateTypeUsage は利用記録を表す。
	AggregateTypeUsage AggregateType = "UsageRecord"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeSettlementFailed は精算タスクがリトライを使い切って失敗したことを表す。
	TypeSettlementFailed Type = "SettlementFailed"
	// TypeCreditHoldExpired は精算されないままのホールドが失効したことを表す。
	TypeCreditHoldExpired Type = "CreditHoldExpired"
	// TypeCredentialRevoked は認証キーが無効化されたことを表す。
	TypeCredentialRevoked Type = "CredentialRevoked"
	// TypeCreditsGranted は管理者がクレジットを付与したことを表す。
	TypeCreditsGranted Type = "CreditsGranted"
)

// Valid は既知のイベント種別かどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeSettlementFailed, TypeCreditHoldExpired, TypeCredentialRevoked, TypeCreditsGranted:
		return true
	}
	return false
}

// Event はイベントログに追記される不変のレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。イベントストアが追記時に採番する。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// SettlementFailedData はSettlementFailedイベントのデータ。
type SettlementFailedData struct {
	// Task は失敗したタスク名（settle / release / usage）。
	Task string `json:"task"`
	// Reference は関連するホールドIDまたは利用記録ID。
	Reference string `json:"reference"`
	// AccountID は対象アカウントのID。
	AccountID string `json:"account_id,omitempty"`
	// Attempts は実行した試行回数。
	Attempts int `json:"attempts"`
	// Reason は最後のエラー。
	Reason string `json:"reason"`
}

// CreditHoldExpiredData はCreditHoldExpiredイベントのデータ。
type CreditHoldExpiredData struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// CredentialRevokedData はCredentialRevokedイベントのデータ。
type CredentialRevokedData struct {
	AccountID string `json:"account_id"`
	KeyPrefix string `json:"key_prefix"`
}

// CreditsGrantedData はCreditsGrantedイベントのデータ。
type CreditsGrantedData struct {
	// Amount は付与したクレジット。
	Amount int64 `json:"amount"`
	// Kind は台帳エントリの種別（topup / promo / refund）。
	Kind string `json:"kind"`
	// GrantedBy は付与した管理者。
	GrantedBy string `json:"granted_by"`
	// BalanceAfter は付与後の残高。
	BalanceAfter int64 `json:"balance_after"`
}
