package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad は環境変数から設定が読み込まれることを検証する。
// t.Setenvを使うため並列実行しない。
func TestLoad(t *testing.T) {
	t.Run("未設定ならデフォルト値が使われること", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, int64(1), cfg.CallCost)
		assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
		assert.Equal(t, 5*time.Minute, cfg.HoldTTL)
		assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	})

	t.Run("環境変数で上書きできること", func(t *testing.T) {
		t.Setenv("PORT", "9090")
		t.Setenv("CALL_COST_CREDITS", "3")
		t.Setenv("UPSTREAM_TIMEOUT", "2s")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "9090", cfg.Port)
		assert.Equal(t, int64(3), cfg.CallCost)
		assert.Equal(t, 2*time.Second, cfg.UpstreamTimeout)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	})

	t.Run("不正な数値はデフォルト値にフォールバックすること", func(t *testing.T) {
		t.Setenv("SETTLEMENT_WORKERS", "many")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.SettlementWorkers)
	})

	t.Run("コストが0ならエラーになること", func(t *testing.T) {
		t.Setenv("CALL_COST_CREDITS", "0")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CALL_COST_CREDITS")
	})

	t.Run("HOLD_TTLが上流タイムアウト以下ならエラーになること", func(t *testing.T) {
		t.Setenv("HOLD_TTL", "5s")
		t.Setenv("UPSTREAM_TIMEOUT", "10s")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HOLD_TTL")
	})

	t.Run("HOLD_TTLが精算のリトライ期間まで含めて長くなければエラーになること", func(t *testing.T) {
		t.Setenv("HOLD_TTL", "35s")
		t.Setenv("UPSTREAM_TIMEOUT", "10s")
		t.Setenv("SETTLEMENT_TASK_TIMEOUT", "30s")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SETTLEMENT_TASK_TIMEOUT")

		t.Setenv("HOLD_TTL", "41s")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.SettlementTaskTimeout)
	})
}

// TestGetLogLevel はログレベルの解釈を検証する。
func TestGetLogLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "debug",
		"WARN":  "warning",
		"error": "error",
		"":      "info",
		"bogus": "info",
	}
	for in, want := range cases {
		t.Setenv("LOG_LEVEL", in)
		assert.Equal(t, want, GetLogLevel().String(), "LOG_LEVEL=%q", in)
	}
}
