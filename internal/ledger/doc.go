// Package ledger はアカウントのクレジット残高と台帳を管理する。
//
// 転送前にホールドで必要額を確保し、上流が2xxを返した場合だけ精算して台帳に記録する。
// 残高（credit_balance）と確保額（held_credits）を更新するのはこのパッケージだけで、
// すべての更新は1つのトランザクションで行う。
package ledger
