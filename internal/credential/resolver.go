package credential

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/tollgate/internal/apperr"
)

// Identity は認証キーから解決された呼び出し元。
type Identity struct {
	AccountID    string
	CredentialID string
}

// Resolver はBearerトークンをアカウントに解決する。
type Resolver struct {
	db *sql.DB
	// dummyHash は候補が無いときにも比較を行うためのハッシュ。
	dummyHash []byte
}

// NewResolver は新しいResolverを生成する。
// bcryptCostは発行時と同じ値を渡し、候補の有無で応答時間が変わらないようにする。
func NewResolver(db *sql.DB, bcryptCost int) (*Resolver, error) {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(SecretPrefix+"dummy-credential-value"), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("ダミーハッシュの生成に失敗: %w", err)
	}
	return &Resolver{db: db, dummyHash: dummy}, nil
}

// candidate はプレフィックスが一致した有効なキー。
type candidate struct {
	id        string
	accountID string
	hash      []byte
}

// Resolve はトークンに一致する有効な認証キーを探し、その所有者を返す。
// 見つからない場合はapperr.Unauthenticatedを返す。
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if len(token) < PrefixLength {
		return Identity{}, unauthenticated()
	}

	candidates, err := r.candidates(ctx, token[:PrefixLength])
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.Internal, "認証キーの照合に失敗しました", err)
	}
	if len(candidates) == 0 {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(token))
		return Identity{}, unauthenticated()
	}

	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword(c.hash, []byte(token)) == nil {
			return Identity{AccountID: c.accountID, CredentialID: c.id}, nil
		}
	}
	return Identity{}, unauthenticated()
}

// candidates はプレフィックスが一致する有効なキーを集める。
// 接続が1本のため、行を閉じてからハッシュ比較に進む。
func (r *Resolver) candidates(ctx context.Context, prefix string) ([]candidate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, key_hash FROM credentials WHERE key_prefix = ? AND active = 1`, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []candidate
	for rows.Next() {
		var (
			c    candidate
			hash string
		)
		if err := rows.Scan(&c.id, &c.accountID, &hash); err != nil {
			return nil, err
		}
		c.hash = []byte(hash)
		out = append(out, c)
	}
	return out, rows.Err()
}

func unauthenticated() *apperr.Error {
	return apperr.New(apperr.Unauthenticated, "認証キーが無効です")
}
