// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// ベアラートークンの検証、識別情報ヘッダーの除去、gateway経由かどうかの確認、
// サービス間APIキーの検証、リクエストログ、パニックリカバリ、CORS設定を含む。
package middleware
