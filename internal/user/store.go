package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SolidCitadel/UniSync/pkg/fieldcrypt"
)

// ProviderCanvas はCanvasの認証情報を表すプロバイダ名。
const ProviderCanvas = "CANVAS"

// timeLayout はSQLiteに保存する日時の形式。
const timeLayout = time.RFC3339Nano

// errCredentialNotFound は認証情報が登録されていないことを表す。
var errCredentialNotFound = errors.New("認証情報が見つかりません")

// credential は保存されている外部サービスの認証情報。
type credential struct {
	ID               int64
	CognitoSub       string
	Provider         string
	Token            fieldcrypt.EncryptedField
	Connected        bool
	ExternalUserID   string
	ExternalUsername string
	LastValidatedAt  *time.Time
}

// credentialAAD は暗号文を持ち主とプロバイダに結び付ける追加認証データ。
// 別の行へ暗号文を移し替えると復号に失敗する。
func credentialAAD(sub, provider string) []byte {
	return []byte("credentials:" + provider + ":" + sub)
}

// upsertCredential は認証情報を登録または更新する。
func upsertCredential(ctx context.Context, tx *sql.Tx, c credential, now time.Time) error {
	ts := now.UTC().Format(timeLayout)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (cognito_sub, provider, ciphertext, nonce, key_version, is_connected,
			external_user_id, external_username, created_at, updated_at, last_validated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (cognito_sub, provider) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			key_version = excluded.key_version,
			is_connected = 1,
			external_user_id = excluded.external_user_id,
			external_username = excluded.external_username,
			updated_at = excluded.updated_at,
			last_validated_at = excluded.last_validated_at`,
		c.CognitoSub, c.Provider, c.Token.Ciphertext, c.Token.Nonce, c.Token.KeyVersion,
		c.ExternalUserID, c.ExternalUsername, ts, ts, ts)
	if err != nil {
		return fmt.Errorf("認証情報の保存に失敗: %w", err)
	}
	return nil
}

// getCredential は認証情報を取得する。
func getCredential(ctx context.Context, db *sql.DB, sub, provider string) (*credential, error) {
	var (
		c         credential
		connected int
		validated sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, cognito_sub, provider, ciphertext, nonce, key_version, is_connected,
			external_user_id, external_username, last_validated_at
		FROM credentials WHERE cognito_sub = ? AND provider = ?`, sub, provider).
		Scan(&c.ID, &c.CognitoSub, &c.Provider, &c.Token.Ciphertext, &c.Token.Nonce, &c.Token.KeyVersion,
			&connected, &c.ExternalUserID, &c.ExternalUsername, &validated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("認証情報の取得に失敗: %w", err)
	}
	c.Connected = connected == 1
	if validated.Valid {
		t, err := time.Parse(timeLayout, validated.String)
		if err != nil {
			return nil, fmt.Errorf("last_validated_at の解析に失敗: %w", err)
		}
		c.LastValidatedAt = &t
	}
	return &c, nil
}

// updateCiphertext は再暗号化した暗号文で置き換える。
// 別の書き込みで既に更新されていれば何もしない。
func updateCiphertext(ctx context.Context, db *sql.DB, id int64, oldVersion int, f fieldcrypt.EncryptedField, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE credentials SET ciphertext = ?, nonce = ?, key_version = ?, updated_at = ?
		WHERE id = ? AND key_version = ?`,
		f.Ciphertext, f.Nonce, f.KeyVersion, now.UTC().Format(timeLayout), id, oldVersion)
	if err != nil {
		return fmt.Errorf("暗号文の更新に失敗: %w", err)
	}
	return nil
}

// deleteCredential は認証情報を削除する。
func deleteCredential(ctx context.Context, db *sql.DB, sub, provider string) error {
	res, err := db.ExecContext(ctx,
		`DELETE FROM credentials WHERE cognito_sub = ? AND provider = ?`, sub, provider)
	if err != nil {
		return fmt.Errorf("認証情報の削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return errCredentialNotFound
	}
	return nil
}
