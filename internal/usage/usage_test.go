package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/tollgate/internal/database"
	"github.com/nao1215/tollgate/pkg/logging"
)

// fixture は利用記録の参照先となる行を持つテスト用DB。
type fixture struct {
	db       *sql.DB
	recorder *Recorder
}

// setupFixture はアカウント・認証キー・上流APIを1件ずつ登録したDBを用意する。
func setupFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.OpenMemory(context.Background(), logging.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := database.Millis(time.Now())
	seeds := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO accounts (id, name, created_at, updated_at) VALUES ('acct-1', 'a', ?, ?)`, []any{now, now}},
		{`INSERT INTO credentials (id, account_id, name, key_prefix, key_hash, created_at) VALUES ('cred-1', 'acct-1', 'k', 'tg_aaaaaaaaa', 'h', ?)`, []any{now}},
		{`INSERT INTO credentials (id, account_id, name, key_prefix, key_hash, created_at) VALUES ('cred-2', 'acct-1', 'k2', 'tg_bbbbbbbbb', 'h', ?)`, []any{now}},
		{`INSERT INTO upstreams (id, slug, name, base_url, created_at, updated_at) VALUES ('up-w', 'weather', 'Weather', 'http://w', ?, ?)`, []any{now, now}},
		{`INSERT INTO upstreams (id, slug, name, base_url, created_at, updated_at) VALUES ('up-s', 'sms', 'SMS', 'http://s', ?, ?)`, []any{now, now}},
	}
	for _, seed := range seeds {
		_, err := db.Exec(seed.query, seed.args...)
		require.NoError(t, err, seed.query)
	}
	return &fixture{db: db, recorder: NewRecorder(db)}
}

// TestRecord は利用記録の保存を検証する。
func TestRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("同じIDで再実行しても1件のままであること", func(t *testing.T) {
		t.Parallel()

		f := setupFixture(t)
		rec := Record{ID: "rec-1", CredentialID: "cred-1", UpstreamID: "up-w", Method: "GET", Path: "/forecast", StatusCode: 200, LatencyMs: 12}
		require.NoError(t, f.recorder.Record(ctx, rec))
		require.NoError(t, f.recorder.Record(ctx, rec))

		var count int
		require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM usage_records`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("必須項目が無ければErrInvalidRecordになること", func(t *testing.T) {
		t.Parallel()

		err := setupFixture(t).recorder.Record(ctx, Record{UpstreamID: "up-w"})
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})

	t.Run("エンドポイント未一致ならNULLで保存されること", func(t *testing.T) {
		t.Parallel()

		f := setupFixture(t)
		require.NoError(t, f.recorder.Record(ctx, Record{ID: "rec-2", CredentialID: "cred-1", UpstreamID: "up-w", Method: "GET", StatusCode: 200}))

		var (
			endpoint sql.NullString
			path     string
		)
		require.NoError(t, f.db.QueryRow(`SELECT endpoint_id, path FROM usage_records WHERE id = 'rec-2'`).Scan(&endpoint, &path))
		assert.False(t, endpoint.Valid)
		assert.Equal(t, "/", path)
	})
}

// TestStats は利用集計を検証する。
func TestStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := setupFixture(t)
	now := time.Now()

	records := []Record{
		{CredentialID: "cred-1", UpstreamID: "up-w", Method: "GET", StatusCode: 200, LatencyMs: 10, CreatedAt: now},
		{CredentialID: "cred-1", UpstreamID: "up-w", Method: "GET", StatusCode: 500, LatencyMs: 30, CreatedAt: now},
		{CredentialID: "cred-1", UpstreamID: "up-w", Method: "GET", StatusCode: 404, LatencyMs: 20, CreatedAt: now},
		{CredentialID: "cred-1", UpstreamID: "up-s", Method: "POST", StatusCode: 201, LatencyMs: 5, CreatedAt: now},
		{CredentialID: "cred-1", UpstreamID: "up-s", Method: "POST", StatusCode: 200, LatencyMs: 5, CreatedAt: now.AddDate(0, 0, -40)},
		{CredentialID: "cred-2", UpstreamID: "up-w", Method: "GET", StatusCode: 200, LatencyMs: 99, CreatedAt: now},
	}
	for _, rec := range records {
		require.NoError(t, f.recorder.Record(ctx, rec))
	}

	summary, err := f.recorder.Stats(ctx, "cred-1", now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.TotalRequests)
	require.Len(t, summary.APIs, 2)

	weather := summary.APIs[0]
	assert.Equal(t, "weather", weather.Slug)
	assert.Equal(t, int64(3), weather.TotalRequests)
	assert.InDelta(t, 20.0, weather.AvgLatencyMs, 0.001)
	assert.Equal(t, int64(2), weather.ErrorCount)

	sms := summary.APIs[1]
	assert.Equal(t, "sms", sms.Slug)
	assert.Equal(t, int64(1), sms.TotalRequests)
	assert.Zero(t, sms.ErrorCount)

	empty, err := f.recorder.Stats(ctx, "cred-unknown", now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRequests)
	assert.NotNil(t, empty.APIs)
}

// TestClampDays は集計日数の丸めを検証する。
func TestClampDays(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30, ClampDays(0))
	assert.Equal(t, 30, ClampDays(-5))
	assert.Equal(t, 1, ClampDays(1))
	assert.Equal(t, 90, ClampDays(90))
	assert.Equal(t, 365, ClampDays(1000))
}
