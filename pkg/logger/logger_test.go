package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("開発環境ではデバッグレベルを有効にできること", func(t *testing.T) {
		t.Parallel()

		l, err := New("development", "debug", "gateway")
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("本番環境の既定レベルはinfoであること", func(t *testing.T) {
		t.Parallel()

		l, err := New("production", "", "user")
		require.NoError(t, err)
		assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
		assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	})

	t.Run("不明なレベルはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := New("production", "verbose", "user")
		assert.Error(t, err)
	})
}
