package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/tollgate/internal/database"
	"github.com/nao1215/tollgate/pkg/logging"
)

// setupStore はインメモリDBを使うStoreを生成する。
func setupStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.OpenMemory(context.Background(), logging.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

// TestStore はアカウントの作成と取得を検証する。
func TestStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("作成したアカウントを取得できること", func(t *testing.T) {
		t.Parallel()

		s := setupStore(t)
		created, err := s.Create(ctx, NewAccount{Name: " Alice ", Email: "Alice@Example.com"})
		require.NoError(t, err)
		assert.Equal(t, "Alice", created.Name)
		assert.Equal(t, "alice@example.com", created.Email)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Zero(t, got.CreditBalance)
		assert.Zero(t, got.HeldCredits)
		assert.Zero(t, got.OpeningBalance)
		assert.Empty(t, got.Phone)
	})

	t.Run("メールアドレスが重複するとErrEmailTakenになること", func(t *testing.T) {
		t.Parallel()

		s := setupStore(t)
		_, err := s.Create(ctx, NewAccount{Name: "a", Email: "dup@example.com"})
		require.NoError(t, err)
		_, err = s.Create(ctx, NewAccount{Name: "b", Email: "DUP@example.com"})
		assert.ErrorIs(t, err, ErrEmailTaken)
	})

	t.Run("メールアドレス無しのアカウントは複数作成できること", func(t *testing.T) {
		t.Parallel()

		s := setupStore(t)
		_, err := s.Create(ctx, NewAccount{Name: "a"})
		require.NoError(t, err)
		_, err = s.Create(ctx, NewAccount{Name: "b"})
		require.NoError(t, err)

		accounts, err := s.List(ctx, 10, 0)
		require.NoError(t, err)
		assert.Len(t, accounts, 2)
	})

	t.Run("名前が空ならErrInvalidになること", func(t *testing.T) {
		t.Parallel()

		_, err := setupStore(t).Create(ctx, NewAccount{Name: "  "})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("存在しないIDはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		_, err := setupStore(t).Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("削除したアカウントのメールアドレスは再利用できること", func(t *testing.T) {
		t.Parallel()

		s := setupStore(t)
		created, err := s.Create(ctx, NewAccount{Name: "a", Email: "retry@example.com"})
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, created.ID))
		_, err = s.Get(ctx, created.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Create(ctx, NewAccount{Name: "a", Email: "retry@example.com"})
		assert.NoError(t, err)
	})

	t.Run("認証キーを持つアカウントは削除されないこと", func(t *testing.T) {
		t.Parallel()

		s := setupStore(t)
		created, err := s.Create(ctx, NewAccount{Name: "a"})
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO credentials (id, account_id, name, key_prefix, key_hash, active, created_at) VALUES ('c1', ?, 'default', 'tg_abcdefghi', 'x', 1, 0)`,
			created.ID)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Delete(ctx, created.ID), ErrNotFound)
		_, err = s.Get(ctx, created.ID)
		assert.NoError(t, err)
	})
}

// TestAvailable は利用可能額の計算を検証する。
func TestAvailable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(3), Account{CreditBalance: 5, HeldCredits: 2}.Available())
}
