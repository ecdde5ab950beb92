package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/tollgate/internal/database"
	"github.com/nao1215/tollgate/pkg/event"
)

const (
	// DefaultLimit は一覧取得のデフォルト件数。
	DefaultLimit = 50
	// MaxLimit は一覧取得の最大件数。
	MaxLimit = 200
)

// Store はイベントの永続化を行う。
type Store struct {
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append はイベントを追記する。VersionはAggregateIDごとの最新バージョン+1で採番し、evに設定する。
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	if ev == nil || ev.AggregateID == "" || !ev.EventType.Valid() {
		return event.ErrInvalidEvent
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM gateway_events WHERE aggregate_id = ?`,
		ev.AggregateID).Scan(&version); err != nil {
		return fmt.Errorf("バージョンの採番に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gateway_events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AggregateID, string(ev.AggregateType), string(ev.EventType), string(data),
		version, database.Millis(ev.CreatedAt)); err != nil {
		return fmt.Errorf("イベントの追記に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}

	ev.Version = version
	ev.Data = data
	return nil
}

// ByAggregate はAggregateIDのイベントをバージョン順に返す。
func (s *Store) ByAggregate(ctx context.Context, aggregateID string) ([]*event.Event, error) {
	return s.query(ctx, selectEvents+` WHERE aggregate_id = ? ORDER BY version ASC`, aggregateID)
}

// Filter は一覧取得の条件。
type Filter struct {
	// Type が空でなければイベントタイプで絞り込む。
	Type event.Type
	// Since がゼロでなければその日時以降に絞り込む。
	Since time.Time
	// Limit は件数。0以下ならDefaultLimit。
	Limit int
}

// List は条件に一致するイベントを新しい順に返す。
func (s *Store) List(ctx context.Context, f Filter) ([]*event.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, database.Millis(f.Since))
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}

	query := selectEvents
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, f.Limit)
	return s.query(ctx, query, args...)
}

// LatestVersion はAggregateIDの最新バージョンを返す。イベントが無ければ0。
func (s *Store) LatestVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM gateway_events WHERE aggregate_id = ?`,
		aggregateID).Scan(&version); err != nil {
		return 0, fmt.Errorf("最新バージョンの取得に失敗: %w", err)
	}
	return version, nil
}

const selectEvents = `
	SELECT id, aggregate_id, aggregate_type, event_type, data, version, created_at
	FROM gateway_events`

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*event.Event, 0)
	for rows.Next() {
		var (
			ev      event.Event
			data    string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.AggregateType, &ev.EventType, &data, &ev.Version, &created); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
		}
		ev.Data = json.RawMessage(data)
		ev.CreatedAt = database.FromMillis(created)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
