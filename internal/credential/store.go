package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/tollgate/internal/database"
	"github.com/nao1215/tollgate/pkg/event"
)

const (
	// SecretPrefix は発行するキーの接頭辞。
	SecretPrefix = "tg_"
	// PrefixLength はインデックスに使うキー先頭部分の長さ。
	PrefixLength = 12
	// maxNameLength はキー名の最大長。
	maxNameLength = 64
	// defaultName は名前未指定時のキー名。
	defaultName = "default"
)

var (
	// ErrNotFound は対象のキーが存在しない、または呼び出し元のものでないことを表す。
	ErrNotFound = errors.New("認証キーが見つかりません")
	// ErrInvalidName はキー名が不正であることを表す。
	ErrInvalidName = errors.New("キー名が不正です")
)

// Credential は発行済みの認証キー。ハッシュと平文は含まない。
type Credential struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	KeyPrefix string     `json:"key_prefix"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Minted は発行直後の認証キー。Keyは平文で、この時だけ参照できる。
type Minted struct {
	Credential
	Key string `json:"key"`
}

// EventRecorder は運用イベントの追記先。
type EventRecorder interface {
	Append(ctx context.Context, ev *event.Event) error
}

// Store は認証キーの永続化を行う。
type Store struct {
	db         *sql.DB
	bcryptCost int
	events     EventRecorder
}

// NewStore は新しいStoreを生成する。eventsがnilの場合はイベントを記録しない。
func NewStore(db *sql.DB, bcryptCost int, events EventRecorder) *Store {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Store{db: db, bcryptCost: bcryptCost, events: events}
}

// Mint は新しい認証キーを発行する。平文のキーは戻り値でのみ返す。
func (s *Store) Mint(ctx context.Context, accountID, name string) (Minted, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultName
	}
	if len(name) > maxNameLength {
		return Minted{}, fmt.Errorf("%w: %d文字以内で指定してください", ErrInvalidName, maxNameLength)
	}

	secret := SecretPrefix + shortuuid.New()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return Minted{}, fmt.Errorf("キーのハッシュ化に失敗: %w", err)
	}

	now := time.Now().UTC()
	cred := Credential{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Name:      name,
		KeyPrefix: secret[:PrefixLength],
		Active:    true,
		CreatedAt: now,
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, account_id, name, key_prefix, key_hash, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		cred.ID, cred.AccountID, cred.Name, cred.KeyPrefix, string(hash), database.Millis(now)); err != nil {
		return Minted{}, fmt.Errorf("認証キーの保存に失敗: %w", err)
	}
	return Minted{Credential: cred, Key: secret}, nil
}

// List はアカウントの認証キーを作成日時の新しい順に返す。
func (s *Store) List(ctx context.Context, accountID string) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, name, key_prefix, active, created_at, revoked_at
		FROM credentials
		WHERE account_id = ?
		ORDER BY created_at DESC, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("認証キー一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	creds := make([]Credential, 0)
	for rows.Next() {
		var (
			c       Credential
			created int64
			revoked sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Name, &c.KeyPrefix, &c.Active, &created, &revoked); err != nil {
			return nil, fmt.Errorf("認証キーの読み取りに失敗: %w", err)
		}
		c.CreatedAt = database.FromMillis(created)
		if revoked.Valid {
			t := database.FromMillis(revoked.Int64)
			c.RevokedAt = &t
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// Revoke は認証キーを無効化する。レコードは削除しない。
// 既に無効なキーへの呼び出しは成功扱いとし、他のアカウントのキーはErrNotFoundを返す。
func (s *Store) Revoke(ctx context.Context, accountID, id string) error {
	var (
		prefix string
		active bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key_prefix, active FROM credentials WHERE id = ? AND account_id = ?`,
		id, accountID).Scan(&prefix, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("認証キーの取得に失敗: %w", err)
	}
	if !active {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET active = 0, revoked_at = ? WHERE id = ? AND account_id = ? AND active = 1`,
		database.Millis(time.Now()), id, accountID); err != nil {
		return fmt.Errorf("認証キーの無効化に失敗: %w", err)
	}

	if s.events != nil {
		ev, err := event.New(id, event.AggregateTypeCredential, event.TypeCredentialRevoked,
			event.CredentialRevokedData{AccountID: accountID, KeyPrefix: prefix})
		if err != nil {
			return err
		}
		if err := s.events.Append(ctx, ev); err != nil {
			return fmt.Errorf("無効化イベントの記録に失敗: %w", err)
		}
	}
	return nil
}
