// Package gateway はtollgateのHTTPインターフェースを提供する。
//
// 認証キーで保護されたプロキシルート（/v1/proxy/{slug}/...）を受け付け、
// pipelineパッケージで認証・クレジット確保・上流解決・転送を行ったうえで
// 上流のレスポンスをそのまま中継する。精算と利用記録はレスポンス返却後に
// バックグラウンドで実行する。
//
// そのほか、認証キーの管理、利用状況の集計、アカウント情報、サインアップ、
// 公開カタログ、管理者API（クレジット付与・台帳監査・運用イベント参照）を提供する。
package gateway
