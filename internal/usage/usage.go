// Package usage は転送したリクエストの利用記録と、その集計を扱う。
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/tollgate/internal/database"
)

const (
	// DefaultDays は集計期間のデフォルト日数。
	DefaultDays = 30
	// MaxDays は集計期間の最大日数。
	MaxDays = 365
)

// ErrInvalidRecord は利用記録の必須項目が欠けていることを表す。
var ErrInvalidRecord = errors.New("利用記録が不正です")

// Record は1回の転送の利用記録。一度書き込んだら変更しない。
type Record struct {
	ID           string
	CredentialID string
	UpstreamID   string
	// EndpointID は一致したエンドポイント。一致しなければ空。
	EndpointID    string
	Method        string
	Path          string
	StatusCode    int
	LatencyMs     int64
	RequestBytes  int64
	ResponseBytes int64
	CreatedAt     time.Time
}

// UpstreamStats は上流APIごとの集計。
type UpstreamStats struct {
	UpstreamID    string  `json:"api_id"`
	Slug          string  `json:"slug"`
	Name          string  `json:"name"`
	TotalRequests int64   `json:"total_requests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorCount    int64   `json:"error_count"`
}

// Summary は認証キー単位の利用集計。
type Summary struct {
	CredentialID  string          `json:"credential_id"`
	Since         time.Time       `json:"since"`
	TotalRequests int64           `json:"total_requests"`
	APIs          []UpstreamStats `json:"apis"`
}

// Recorder は利用記録を保存・集計する。
type Recorder struct {
	db *sql.DB
}

// NewRecorder は新しいRecorderを生成する。
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record は利用記録を1件保存する。
// 同じIDで再実行された場合は既存の記録を残して成功扱いにするため、リトライしても重複しない。
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if rec.CredentialID == "" || rec.UpstreamID == "" {
		return fmt.Errorf("%w: credential_idとupstream_idは必須です", ErrInvalidRecord)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Path == "" {
		rec.Path = "/"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, credential_id, upstream_id, endpoint_id, method, path,
		                           status_code, latency_ms, request_bytes, response_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.CredentialID, rec.UpstreamID,
		sql.NullString{String: rec.EndpointID, Valid: rec.EndpointID != ""},
		rec.Method, rec.Path, rec.StatusCode, rec.LatencyMs, rec.RequestBytes, rec.ResponseBytes,
		database.Millis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("利用記録の保存に失敗: %w", err)
	}
	return nil
}

// Stats はsince以降の利用を上流APIごとに集計する。ステータス400以上をエラーとして数える。
func (r *Recorder) Stats(ctx context.Context, credentialID string, since time.Time) (Summary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.upstream_id, COALESCE(up.slug, ''), COALESCE(up.name, ''),
		       COUNT(*), AVG(u.latency_ms),
		       SUM(CASE WHEN u.status_code >= 400 THEN 1 ELSE 0 END)
		FROM usage_records u
		LEFT JOIN upstreams up ON up.id = u.upstream_id
		WHERE u.credential_id = ? AND u.created_at >= ?
		GROUP BY u.upstream_id
		ORDER BY COUNT(*) DESC, up.slug`,
		credentialID, database.Millis(since))
	if err != nil {
		return Summary{}, fmt.Errorf("利用状況の集計に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := Summary{CredentialID: credentialID, Since: since.UTC(), APIs: make([]UpstreamStats, 0)}
	for rows.Next() {
		var s UpstreamStats
		if err := rows.Scan(&s.UpstreamID, &s.Slug, &s.Name, &s.TotalRequests, &s.AvgLatencyMs, &s.ErrorCount); err != nil {
			return Summary{}, fmt.Errorf("集計結果の読み取りに失敗: %w", err)
		}
		summary.TotalRequests += s.TotalRequests
		summary.APIs = append(summary.APIs, s)
	}
	return summary, rows.Err()
}

// ClampDays は集計日数を1から365の範囲に丸める。0以下はデフォルトの30日にする。
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return DefaultDays
	case days > MaxDays:
		return MaxDays
	}
	return days
}
