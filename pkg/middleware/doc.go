// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 管理者JWTの検証、Bearerトークンの抽出、構造化リクエストログ、
// パニックリカバリ、リクエストID、リクエスト期限、CORS設定を含む。
package middleware
