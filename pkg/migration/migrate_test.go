package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// openMemoryDB はテスト用のインメモリSQLiteを開く。
func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// quietLogger は出力しないロガーを返す。
func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// TestRun はマイグレーションの適用を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_column.up.sql": {Data: []byte(`ALTER TABLE items ADD COLUMN note TEXT NOT NULL DEFAULT '';`)},
		"migrations/000001_create.up.sql":     {Data: []byte(`CREATE TABLE items (id TEXT PRIMARY KEY);`)},
		"migrations/000001_create.down.sql":   {Data: []byte(`DROP TABLE items;`)},
		"migrations/README.md":                {Data: []byte(`ignored`)},
	}

	t.Run("バージョン順に適用されること", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		n, err := Run(context.Background(), db, fsys, "migrations", quietLogger())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = db.Exec(`INSERT INTO items (id, note) VALUES ('a', 'b')`)
		require.NoError(t, err)
	})

	t.Run("2回目の実行では何も適用されないこと", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		_, err := Run(context.Background(), db, fsys, "migrations", quietLogger())
		require.NoError(t, err)

		n, err := Run(context.Background(), db, fsys, "migrations", quietLogger())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("SQLが失敗した場合はバージョンが記録されないこと", func(t *testing.T) {
		t.Parallel()

		broken := fstest.MapFS{
			"migrations/000001_broken.up.sql": {Data: []byte(`CREATE TABLE;`)},
		}
		db := openMemoryDB(t)
		_, err := Run(context.Background(), db, broken, "migrations", quietLogger())
		require.Error(t, err)

		var count int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
		assert.Zero(t, count)
	})

	t.Run("バージョンが重複している場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		dup := fstest.MapFS{
			"migrations/000001_a.up.sql": {Data: []byte(`SELECT 1;`)},
			"migrations/000001_b.up.sql": {Data: []byte(`SELECT 1;`)},
		}
		_, err := Run(context.Background(), openMemoryDB(t), dup, "migrations", quietLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "重複")
	})
}
