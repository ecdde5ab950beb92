// Package account はゲートウェイ利用者のアカウントを管理する。
// 残高の変更はinternal/ledgerだけが行い、このパッケージは参照と作成のみを扱う。
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/tollgate/internal/database"
)

var (
	// ErrNotFound はアカウントが存在しないことを表す。
	ErrNotFound = errors.New("アカウントが見つかりません")
	// ErrEmailTaken はメールアドレスが既に登録されていることを表す。
	ErrEmailTaken = errors.New("メールアドレスは既に登録されています")
	// ErrInvalid は入力値が不正であることを表す。
	ErrInvalid = errors.New("アカウント情報が不正です")
)

// Account はクレジット残高を持つ利用者。
type Account struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	// CreditBalance は最小課金単位でのクレジット残高。
	CreditBalance int64 `json:"credit_balance"`
	// HeldCredits は未精算のホールドで確保中のクレジット。
	HeldCredits int64 `json:"held_credits"`
	// OpeningBalance は作成時点の残高。台帳の再計算の起点になる。
	OpeningBalance int64     `json:"opening_balance"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available は新たにホールドできるクレジットを返す。
func (a Account) Available() int64 {
	return a.CreditBalance - a.HeldCredits
}

// NewAccount はアカウント作成の入力。
type NewAccount struct {
	Name  string
	Email string
	Phone string
}

// Store はアカウントの永続化を行う。
type Store struct {
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create は残高0のアカウントを作成する。
func (s *Store) Create(ctx context.Context, in NewAccount) (Account, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Name == "" {
		return Account{}, fmt.Errorf("%w: 名前は必須です", ErrInvalid)
	}
	if in.Email != "" && !strings.Contains(in.Email, "@") {
		return Account{}, fmt.Errorf("%w: メールアドレスの形式が不正です", ErrInvalid)
	}

	now := time.Now().UTC()
	acct := Account{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Email:     in.Email,
		Phone:     in.Phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, email, phone, credit_balance, held_credits, opening_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?, ?)`,
		acct.ID, acct.Name, nullString(acct.Email), nullString(acct.Phone),
		database.Millis(now), database.Millis(now))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return Account{}, ErrEmailTaken
		}
		return Account{}, fmt.Errorf("アカウントの作成に失敗: %w", err)
	}
	return acct, nil
}

// Get はIDでアカウントを取得する。
func (s *Store) Get(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, selectAccount+` WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("アカウントの取得に失敗: %w", err)
	}
	return acct, nil
}

// Delete は認証キーも台帳エントリも持たないアカウントを削除する。
// サインアップの途中で失敗したアカウントの後始末に使う。
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM accounts
		WHERE id = ?
		  AND NOT EXISTS (SELECT 1 FROM credentials WHERE account_id = accounts.id)
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries WHERE account_id = accounts.id)`, id)
	if err != nil {
		return fmt.Errorf("アカウントの削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("アカウントの削除に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List は作成日時の新しい順にアカウントを返す。
func (s *Store) List(ctx context.Context, limit, offset int) ([]Account, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		selectAccount+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	accounts := make([]Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("アカウントの読み取りに失敗: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

const selectAccount = `
	SELECT id, name, COALESCE(email, ''), COALESCE(phone, ''), credit_balance, held_credits,
	       opening_balance, created_at, updated_at
	FROM accounts`

// scanner はsql.Rowとsql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (Account, error) {
	var (
		acct             Account
		created, updated int64
	)
	if err := sc.Scan(&acct.ID, &acct.Name, &acct.Email, &acct.Phone, &acct.CreditBalance,
		&acct.HeldCredits, &acct.OpeningBalance, &created, &updated); err != nil {
		return Account{}, err
	}
	acct.CreatedAt = database.FromMillis(created)
	acct.UpdatedAt = database.FromMillis(updated)
	return acct, nil
}

// nullString は空文字をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
