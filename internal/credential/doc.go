// Package credential は認証キーの発行・一覧・無効化と、
// 提示されたBearerトークンからアカウントを解決する処理を提供する。
//
// キーは "tg_" に続くshortuuidで、先頭12文字をインデックス用のプレフィックスとして平文で保存し、
// キー全体はbcryptハッシュでのみ保存する。平文は発行時に一度だけ返す。
package credential
