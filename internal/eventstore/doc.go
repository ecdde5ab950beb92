// Package eventstore はゲートウェイの運用イベントを追記専用で保存する。
//
// レスポンス返却後に起きた事象（精算失敗、ホールド失効、キー無効化、クレジット付与）を
// イベントとして記録し、管理者APIから参照できるようにする。イベントは不変で、
// AggregateIDごとにバージョンを採番する。
//
// 主な機能:
//   - イベントの追記（Append）
//   - AggregateIDによるイベント取得
//   - イベントタイプ・日時による絞り込み（List）
package eventstore
