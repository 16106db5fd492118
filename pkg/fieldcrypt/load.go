package fieldcrypt

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// ParseKeys は "1:base64,2:base64" 形式の鍵指定を解析する。
// 値は鍵そのもの、またはKMSでラップされた鍵のbase64表現。
func ParseKeys(keyList string) (map[int][]byte, error) {
	keys := make(map[int][]byte)
	for _, item := range strings.Split(keyList, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		versionText, encoded, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("鍵指定の形式が不正です（バージョン:base64）")
		}
		version, err := strconv.Atoi(strings.TrimSpace(versionText))
		if err != nil || version < 1 {
			return nil, fmt.Errorf("鍵バージョンが不正です: %q", versionText)
		}
		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("鍵バージョン%dが重複しています", version)
		}
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("鍵バージョン%dのbase64デコードに失敗: %w", version, err)
		}
		keys[version] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("鍵が1つも指定されていません")
	}
	return keys, nil
}

// Unwrapper はラップされた鍵を平文の鍵に戻す。
type Unwrapper interface {
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// LoadKeyring は鍵指定から鍵リングを生成する。
// unwrapperがnilでなければ、各値をラップされた鍵とみなして起動時に1回だけ復号する。
func LoadKeyring(ctx context.Context, keyList string, active int, unwrapper Unwrapper) (*Keyring, error) {
	keys, err := ParseKeys(keyList)
	if err != nil {
		return nil, err
	}
	if unwrapper != nil {
		for version, wrapped := range keys {
			key, err := unwrapper.Unwrap(ctx, wrapped)
			if err != nil {
				return nil, fmt.Errorf("鍵バージョン%dのアンラップに失敗: %w", version, err)
			}
			keys[version] = key
		}
	}
	ring, err := NewKeyring(keys, active)
	for _, key := range keys {
		clear(key)
	}
	return ring, err
}

// KMSUnwrapper はCloud KMSの対称鍵でデータ鍵をラップ・アンラップする。
type KMSUnwrapper struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSUnwrapper はKMSクライアントを生成する。
// keyNameは projects/*/locations/*/keyRings/*/cryptoKeys/* 形式。
func NewKMSUnwrapper(ctx context.Context, keyName string) (*KMSUnwrapper, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMSの鍵名が指定されていません")
	}
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("KMSクライアントの生成に失敗: %w", err)
	}
	return &KMSUnwrapper{client: client, keyName: keyName}, nil
}

// Unwrap はKMSでラップされた鍵を復号する。
func (u *KMSUnwrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := u.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       u.keyName,
		Ciphertext: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("KMSでの復号に失敗: %w", err)
	}
	return resp.Plaintext, nil
}

// Wrap は鍵をKMSで暗号化する。鍵の生成時に使う。
func (u *KMSUnwrapper) Wrap(ctx context.Context, key []byte) ([]byte, error) {
	resp, err := u.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      u.keyName,
		Plaintext: key,
	})
	if err != nil {
		return nil, fmt.Errorf("KMSでの暗号化に失敗: %w", err)
	}
	return resp.Ciphertext, nil
}

// Close はKMSクライアントを閉じる。
func (u *KMSUnwrapper) Close() error {
	return u.client.Close()
}
