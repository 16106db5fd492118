package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEnvelope は封筒の必須項目が欠けていることを表す。
var ErrInvalidEnvelope = errors.New("イベント封筒が不正です")

// ErrUnsupportedVersion はコンシューマが解釈できないスキーマバージョンであることを表す。
var ErrUnsupportedVersion = errors.New("未対応のスキーマバージョンです")

// keyNamespace は冪等キーの導出に使用するUUIDv5の名前空間。
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:unisync:event"))

// Key はビジネス上の出来事を表す要素から決定的な冪等キーを導出する。
// 同じ要素からは常に同じキーが得られる。
func Key(eventType Type, parts ...string) string {
	name := string(eventType) + "\x1f" + strings.Join(parts, "\x1f")
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// New は新しいイベント封筒を生成する。
// payloadにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(eventType Type, idempotencyKey, source string, payload any) (*Envelope, error) {
	if eventType == "" || idempotencyKey == "" {
		return nil, fmt.Errorf("イベント種別と冪等キーは必須です: %w", ErrInvalidEnvelope)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Envelope{
		EventType:      eventType,
		IdempotencyKey: idempotencyKey,
		SchemaVersion:  CurrentSchemaVersion,
		Payload:        data,
		ProducedAt:     time.Now().UTC(),
		SourceService:  source,
	}, nil
}

// Marshal は封筒をキューに載せるバイト列に変換する。
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("イベント封筒のシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Decode はキューから受け取ったバイト列を封筒に変換し、必須項目を検査する。
func Decode(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch {
	case e.EventType == "":
		return nil, fmt.Errorf("%w: eventTypeがありません", ErrInvalidEnvelope)
	case e.IdempotencyKey == "":
		return nil, fmt.Errorf("%w: idempotencyKeyがありません", ErrInvalidEnvelope)
	case e.SchemaVersion < 1:
		return nil, fmt.Errorf("%w: schemaVersionが不正です", ErrInvalidEnvelope)
	case len(e.Payload) == 0:
		return nil, fmt.Errorf("%w: payloadがありません", ErrInvalidEnvelope)
	}
	return &e, nil
}

// DecodePayload は封筒のPayloadを指定された型にデシリアライズする。
// CurrentSchemaVersionより新しいバージョンは解釈しない。
func DecodePayload[T any](e *Envelope) (*T, error) {
	if e.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.SchemaVersion)
	}
	var data T
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
