// Package event はサービス間で非同期に受け渡すドメインイベントの封筒を定義する。
//
// 封筒はイベント種別、冪等キー、バージョン付きのペイロード、生成日時、発行元サービスを持つ。
// 発行側はビジネス状態のコミット後に封筒を生成し、受信側は冪等キーで重複適用を防ぐ。
package event
