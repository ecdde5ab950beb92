// Package database はSQLiteデータベースへの接続とスキーマ管理を行う。
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/tollgate/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// filePragmas はファイルDBを開くときに適用するプラグマ。
const filePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// Open はファイルDBを開き、マイグレーションを適用する。
// 書き込みを直列化するため接続は1本に制限する。
func Open(ctx context.Context, path string, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?"+filePragmas)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	return prepare(ctx, db, logger)
}

// OpenMemory はインメモリDBを開き、マイグレーションを適用する。テスト用。
func OpenMemory(ctx context.Context, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("インメモリDB接続に失敗: %w", err)
	}
	return prepare(ctx, db, logger)
}

// prepare は接続設定とマイグレーションを行う。
func prepare(ctx context.Context, db *sql.DB, logger *logrus.Logger) (*sql.DB, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("外部キー制約の有効化に失敗: %w", err)
	}
	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}

// Millis は時刻をUnixミリ秒に変換する。
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis はUnixミリ秒をUTCの時刻に変換する。
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// IsUniqueViolation は一意制約違反のエラーかどうかを返す。
func IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
