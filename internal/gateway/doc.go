// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
// 全てのリクエストでベアラートークンを検証し、検証済みの識別情報を信頼済みヘッダーとして
// 付与してから、パスまたはホストの規則で選んだ下流サービスへ転送する。
// 認証を要求しないのは明示的な許可リストに載ったパスだけである。
package gateway
