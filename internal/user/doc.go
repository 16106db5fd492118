// Package user はユーザーサービスの内部実装を提供する。
//
// Canvasのアクセストークンを暗号化して保存し、登録をUSER_TOKEN_REGISTEREDイベントとして
// アウトボックス経由で発行する。同期ワーカーなどの内部サービスにはAPIキーで認証した上で
// 復号済みのトークンを返す。
package user
