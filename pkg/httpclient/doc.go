// Package httpclient は上流APIへの転送に使うHTTPクライアントを提供する。
//
// タイムアウト、User-Agent、リダイレクト非追従、レスポンスサイズ上限を
// まとめて設定し、ゲートウェイから上流への通信パターンを統一する。
package httpclient
