// Package logger はzapベースの構造化ロガーを生成する。
//
// 全サービスが同じ形式でログを出力するよう、エンコーダ設定とサービス名フィールドを統一する。
// トークン、鍵素材、平文の秘密情報はどのログにも出力しないこと。
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New は環境とログレベルに応じたロガーを生成する。
// environment が "development" の場合はコンソール形式、それ以外はJSON形式で出力する。
func New(environment, level, service string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガーの生成に失敗: %w", err)
	}
	return l.With(zap.String("service", service)), nil
}

// Nop は何も出力しないロガーを返す。テストとオプション未指定時に使用する。
func Nop() *zap.Logger {
	return zap.NewNop()
}

// parseLevel は文字列のログレベルをzapのレベルに変換する。
func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("不明なログレベル: %q", level)
	}
}
