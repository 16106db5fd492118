// Package fieldcrypt は保存前の秘密情報（Canvasのアクセストークンなど）を
// AES-256-GCMで暗号化する。
//
// 暗号文には鍵バージョンを添えて保存する。新しい鍵を追加してアクティブバージョンを
// 切り替えても、古いバージョンで暗号化したレコードはそのまま復号できる。
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// KeySize は鍵の長さ（AES-256）。
const KeySize = 32

var (
	// ErrDecrypt は復号できなかったことを表す。改ざんや鍵・AADの不一致を区別しない。
	ErrDecrypt = errors.New("暗号化フィールドを復号できません")
	// ErrUnknownKeyVersion は鍵リングにないバージョンで暗号化されていることを表す。
	ErrUnknownKeyVersion = errors.New("未知の鍵バージョンです")
	// ErrInvalidKey は鍵の長さが不正であることを表す。
	ErrInvalidKey = errors.New("鍵は32バイトである必要があります")
)

// EncryptedField は暗号化したフィールドの保存形式。
type EncryptedField struct {
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int
}

// Keyring はバージョン付きの鍵の集合。暗号化には常にアクティブバージョンを使う。
// 生成後は不変で、複数のゴルーチンから同時に使ってよい。
type Keyring struct {
	aeads  map[int]cipher.AEAD
	active int
}

// NewKeyring は鍵リングを生成する。activeが0の場合は最大のバージョンをアクティブにする。
func NewKeyring(keys map[int][]byte, active int) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("鍵が1つも設定されていません")
	}
	aeads := make(map[int]cipher.AEAD, len(keys))
	for version, key := range keys {
		if version < 1 {
			return nil, fmt.Errorf("鍵バージョンは1以上である必要があります: %d", version)
		}
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("鍵バージョン%d: %w", version, err)
		}
		aeads[version] = aead
	}
	if active == 0 {
		for version := range aeads {
			active = max(active, version)
		}
	}
	if _, ok := aeads[active]; !ok {
		return nil, fmt.Errorf("%w: アクティブバージョン%d", ErrUnknownKeyVersion, active)
	}
	return &Keyring{aeads: aeads, active: active}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ActiveVersion はアクティブな鍵バージョンを返す。
func (k *Keyring) ActiveVersion() int {
	return k.active
}

// Encrypt はアクティブな鍵でplaintextを暗号化する。
// aadには暗号文を紐付けるレコードの識別子（ユーザーのsubなど）を渡す。
func (k *Keyring) Encrypt(plaintext, aad []byte) (EncryptedField, error) {
	aead := k.aeads[k.active]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedField{}, fmt.Errorf("ノンスの生成に失敗: %w", err)
	}
	return EncryptedField{
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
		Nonce:      nonce,
		KeyVersion: k.active,
	}, nil
}

// Decrypt はフィールドを復号する。
// 改ざんされた暗号文は必ずErrDecryptになり、壊れた平文を返すことはない。
func (k *Keyring) Decrypt(f EncryptedField, aad []byte) ([]byte, error) {
	aead, ok := k.aeads[f.KeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, f.KeyVersion)
	}
	if len(f.Nonce) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, f.Nonce, f.Ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// NeedsRotation はフィールドがアクティブ以外の鍵で暗号化されているかどうかを返す。
func (k *Keyring) NeedsRotation(f EncryptedField) bool {
	return f.KeyVersion != k.active
}

// Rotate はフィールドをアクティブな鍵で暗号化し直す。
func (k *Keyring) Rotate(f EncryptedField, aad []byte) (EncryptedField, error) {
	plaintext, err := k.Decrypt(f, aad)
	if err != nil {
		return EncryptedField{}, err
	}
	defer clear(plaintext)
	return k.Encrypt(plaintext, aad)
}

// Versions は保持している鍵バージョンを昇順で返す。
func (k *Keyring) Versions() []int {
	versions := make([]int, 0, len(k.aeads))
	for v := range k.aeads {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}

// String は鍵の値を伏せた表現を返す。
func (k *Keyring) String() string {
	versions := make([]string, 0, len(k.aeads))
	for _, v := range k.Versions() {
		versions = append(versions, fmt.Sprint(v))
	}
	return fmt.Sprintf("Keyring{versions=[%s], active=%d, keys=REDACTED}", strings.Join(versions, " "), k.active)
}

// GoString は%#vでも鍵の値を出さないようにする。
func (k *Keyring) GoString() string {
	return k.String()
}

// GenerateKey は新しいランダムな鍵を生成する。
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("鍵の生成に失敗: %w", err)
	}
	return key, nil
}
