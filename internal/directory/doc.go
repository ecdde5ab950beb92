// Package directory は転送先となる上流APIの定義を管理する。
//
// 各上流APIは固有の認証方式（クエリのAPIキー、ヘッダーのAPIキー、Bearerトークン）を持ち、
// ゲートウェイが呼び出し元に代わって認証情報を注入する。認証情報はサーバーの外に出さない。
package directory
