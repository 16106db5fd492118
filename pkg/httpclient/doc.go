// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// JWKSの取得、運用CLIからの内部API呼び出しなど、JSONを返すエンドポイントへの
// 通信パターンを統一する。レスポンスボディは上限付きで読み込む。
package httpclient
