package ledger

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
	// DefaultEntriesLimit は台帳一覧のデフォルト件数。
	DefaultEntriesLimit = 50
	// MaxEntriesLimit は台帳一覧の最大件数。
	MaxEntriesLimit = 100
)

// Ledger はクレジット残高と台帳を操作する。
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New は新しいLedgerを生成する。
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Hold は利用可能残高がcost以上の場合に限りcostを確保する。
// 判定と確保は1つの条件付きUPDATEで行うため、同時に呼ばれても残高を超えて確保されない。
func (l *Ledger) Hold(ctx context.Context, accountID string, cost int64, reference string) (Hold, error) {
	if cost <= 0 {
		return Hold{}, fmt.Errorf("%w: cost=%d", ErrInvalidAmount, cost)
	}
	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Hold{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET held_credits = held_credits + ?, updated_at = ?
		WHERE id = ? AND credit_balance - held_credits >= ?`,
		cost, database.Millis(now), accountID, cost)
	if err != nil {
		return Hold{}, fmt.Errorf("クレジットの確保に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Hold{}, fmt.Errorf("クレジットの確保に失敗: %w", err)
	}
	if affected == 0 {
		var available int64
		err := tx.QueryRowContext(ctx,
			`SELECT credit_balance - held_credits FROM accounts WHERE id = ?`, accountID).Scan(&available)
		if errors.Is(err, sql.ErrNoRows) {
			return Hold{}, ErrAccountNotFound
		}
		if err != nil {
			return Hold{}, fmt.Errorf("残高の取得に失敗: %w", err)
		}
		return Hold{}, &InsufficientCreditsError{Balance: available, Cost: cost}
	}

	hold := Hold{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    cost,
		Reference: reference,
		Status:    HoldHeld,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_holds (id, account_id, amount, reference, status, created_at)
		VALUES (?, ?, ?, ?, 'held', ?)`,
		hold.ID, hold.AccountID, hold.Amount, hold.Reference, database.Millis(now)); err != nil {
		return Hold{}, fmt.Errorf("ホールドの記録に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Hold{}, fmt.Errorf("コミットに失敗: %w", err)
	}
	return hold, nil
}

// Settle はホールドを精算する。残高と確保額を減らし、usageエントリを1件追記する。
// ホールドが既に終了している場合はErrHoldClosedを返し、二重に精算しない。
func (l *Ledger) Settle(ctx context.Context, holdID string) (Entry, error) {
	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	hold, err := closeHold(ctx, tx, holdID, HoldSettled, now)
	if err != nil {
		return Entry{}, err
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET credit_balance = credit_balance - ?, held_credits = held_credits - ?, updated_at = ?
		WHERE id = ?
		RETURNING credit_balance`,
		hold.Amount, hold.Amount, database.Millis(now), hold.AccountID).Scan(&balance); err != nil {
		return Entry{}, fmt.Errorf("残高の更新に失敗: %w", err)
	}

	entry, err := appendEntry(ctx, tx, Entry{
		AccountID:    hold.AccountID,
		Amount:       -hold.Amount,
		Kind:         KindUsage,
		Reference:    hold.Reference,
		BalanceAfter: balance,
		CreatedAt:    now,
	})
	if err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("コミットに失敗: %w", err)
	}
	return entry, nil
}

// Release はホールドを台帳に記録せずに解放する。
func (l *Ledger) Release(ctx context.Context, holdID string) error {
	_, err := l.release(ctx, holdID, HoldReleased)
	return err
}

// release はホールドを指定状態で閉じ、確保額を戻す。
func (l *Ledger) release(ctx context.Context, holdID string, status HoldStatus) (Hold, error) {
	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Hold{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	hold, err := closeHold(ctx, tx, holdID, status, now)
	if err != nil {
		return Hold{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET held_credits = held_credits - ?, updated_at = ? WHERE id = ?`,
		hold.Amount, database.Millis(now), hold.AccountID); err != nil {
		return Hold{}, fmt.Errorf("確保額の解放に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Hold{}, fmt.Errorf("コミットに失敗: %w", err)
	}
	return hold, nil
}

// Credit はアカウントにクレジットを付与し、エントリを1件追記する。
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, kind Kind, reference string) (Entry, error) {
	if amount <= 0 {
		return Entry{}, fmt.Errorf("%w: amount=%d", ErrInvalidAmount, amount)
	}
	if !kind.Grantable() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET credit_balance = credit_balance + ?, updated_at = ?
		WHERE id = ?
		RETURNING credit_balance`,
		amount, database.Millis(now), accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrAccountNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("残高の更新に失敗: %w", err)
	}

	entry, err := appendEntry(ctx, tx, Entry{
		AccountID:    accountID,
		Amount:       amount,
		Kind:         kind,
		Reference:    reference,
		BalanceAfter: balance,
		CreatedAt:    now,
	})
	if err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("コミットに失敗: %w", err)
	}
	return entry, nil
}

// Balance はアカウントの残高を返す。
func (l *Ledger) Balance(ctx context.Context, accountID string) (Balance, error) {
	b := Balance{AccountID: accountID}
	err := l.db.QueryRowContext(ctx,
		`SELECT credit_balance, held_credits FROM accounts WHERE id = ?`, accountID).
		Scan(&b.CreditBalance, &b.HeldCredits)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, ErrAccountNotFound
	}
	if err != nil {
		return Balance{}, fmt.Errorf("残高の取得に失敗: %w", err)
	}
	b.Available = b.CreditBalance - b.HeldCredits
	return b, nil
}

// Entries は台帳エントリを新しい順に返す。limitは1から100に丸める。
func (l *Ledger) Entries(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	switch {
	case limit <= 0:
		limit = DefaultEntriesLimit
	case limit > MaxEntriesLimit:
		limit = MaxEntriesLimit
	}
	return l.queryEntries(ctx, `
		SELECT id, account_id, amount, kind, reference, balance_after, created_at
		FROM ledger_entries WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
}

// GetHold はホールドを取得する。
func (l *Ledger) GetHold(ctx context.Context, holdID string) (Hold, error) {
	var (
		h       Hold
		created int64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, reference, status, created_at
		FROM credit_holds WHERE id = ?`, holdID).
		Scan(&h.ID, &h.AccountID, &h.Amount, &h.Reference, &h.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Hold{}, ErrHoldNotFound
	}
	if err != nil {
		return Hold{}, fmt.Errorf("ホールドの取得に失敗: %w", err)
	}
	h.CreatedAt = database.FromMillis(created)
	return h, nil
}

// Audit は開始残高から台帳を順に再計算し、各balance_afterと現在の残高が一致するかを検証する。
func (l *Ledger) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	report := AuditReport{AccountID: accountID}
	err := l.db.QueryRowContext(ctx,
		`SELECT opening_balance, credit_balance FROM accounts WHERE id = ?`, accountID).
		Scan(&report.OpeningBalance, &report.CreditBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditReport{}, ErrAccountNotFound
	}
	if err != nil {
		return AuditReport{}, fmt.Errorf("アカウントの取得に失敗: %w", err)
	}

	entries, err := l.queryEntries(ctx, `
		SELECT id, account_id, amount, kind, reference, balance_after, created_at
		FROM ledger_entries WHERE account_id = ? ORDER BY id ASC`, accountID)
	if err != nil {
		return AuditReport{}, err
	}

	running := report.OpeningBalance
	for _, e := range entries {
		running += e.Amount
		if e.BalanceAfter != running && report.FirstMismatchID == nil {
			id := e.ID
			report.FirstMismatchID = &id
		}
	}
	report.Entries = len(entries)
	report.ReplayedBalance = running
	report.Consistent = report.FirstMismatchID == nil && running == report.CreditBalance
	return report, nil
}

// ExpireHolds はolderThanより前に作成された未精算のホールドを失効させ、失効したホールドを返す。
func (l *Ledger) ExpireHolds(ctx context.Context, olderThan time.Time) ([]Hold, error) {
	ids, err := l.staleHoldIDs(ctx, olderThan)
	if err != nil {
		return nil, err
	}

	expired := make([]Hold, 0, len(ids))
	for _, id := range ids {
		hold, err := l.release(ctx, id, HoldExpired)
		if errors.Is(err, ErrHoldClosed) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("ホールド %s の失効に失敗: %w", id, err)
		}
		expired = append(expired, hold)
	}
	return expired, nil
}

// staleHoldIDs は失効対象のホールドIDを集める。
func (l *Ledger) staleHoldIDs(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM credit_holds WHERE status = 'held' AND created_at < ? ORDER BY created_at`,
		database.Millis(olderThan))
	if err != nil {
		return nil, fmt.Errorf("失効対象ホールドの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ホールドIDの読み取りに失敗: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l *Ledger) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("台帳の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Kind, &e.Reference, &e.BalanceAfter, &created); err != nil {
			return nil, fmt.Errorf("台帳エントリの読み取りに失敗: %w", err)
		}
		e.CreatedAt = database.FromMillis(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// closeHold は開いているホールドを指定状態にする。
// 既に閉じている場合はErrHoldClosed、存在しない場合はErrHoldNotFoundを返す。
func closeHold(ctx context.Context, tx *sql.Tx, holdID string, status HoldStatus, now time.Time) (Hold, error) {
	hold := Hold{ID: holdID, Status: status}
	var created int64
	err := tx.QueryRowContext(ctx, `
		UPDATE credit_holds SET status = ?, closed_at = ?
		WHERE id = ? AND status = 'held'
		RETURNING account_id, amount, reference, created_at`,
		string(status), database.Millis(now), holdID).
		Scan(&hold.AccountID, &hold.Amount, &hold.Reference, &created)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM credit_holds WHERE id = ?`, holdID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Hold{}, ErrHoldNotFound
			}
			return Hold{}, fmt.Errorf("ホールドの取得に失敗: %w", err)
		}
		return Hold{}, ErrHoldClosed
	}
	if err != nil {
		return Hold{}, fmt.Errorf("ホールドの更新に失敗: %w", err)
	}
	hold.CreatedAt = database.FromMillis(created)
	return hold, nil
}

// appendEntry は台帳にエントリを追記し、採番されたIDを設定して返す。
func appendEntry(ctx context.Context, tx *sql.Tx, e Entry) (Entry, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, amount, kind, reference, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.Amount, string(e.Kind), e.Reference, e.BalanceAfter, database.Millis(e.CreatedAt))
	if err != nil {
		return Entry{}, fmt.Errorf("台帳エントリの追記に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("台帳エントリIDの取得に失敗: %w", err)
	}
	e.ID = id
	return e, nil
}
