// Package jwks はIDプロバイダが公開する署名検証用の公開鍵をメモリにキャッシュする。
//
// 鍵はkidで引く。キャッシュにないkidを要求された場合は鍵のローテーションとみなして
// 強制リフレッシュを1回行い、その後もう一度だけ引き直す。強制リフレッシュは最小間隔で
// 制限し、同時に走るリフレッシュは常に1つに抑える。
//
// プロバイダに到達できない失敗はErrUnavailable、鍵が本当に存在しない場合はErrKeyNotFoundで
// 区別して返す。前者はゲートウェイで5xx、後者は401として扱う。
package jwks
