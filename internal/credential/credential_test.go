package credential

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/tollgate/internal/account"
	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/database"
	"github.com/nao1215/tollgate/pkg/event"
	"github.com/nao1215/tollgate/pkg/logging"
)

// recordedEvents はテスト用のイベント記録先。
type recordedEvents struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recordedEvents) Append(_ context.Context, ev *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// testEnv はテスト用のDBとアカウントをまとめたもの。
type testEnv struct {
	db       *sql.DB
	store    *Store
	resolver *Resolver
	events   *recordedEvents
	accounts *account.Store
}

// setupEnv はインメモリDBの上にStoreとResolverを用意する。
func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.OpenMemory(context.Background(), logging.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	resolver, err := NewResolver(db, bcrypt.MinCost)
	require.NoError(t, err)

	events := &recordedEvents{}
	return &testEnv{
		db:       db,
		store:    NewStore(db, bcrypt.MinCost, events),
		resolver: resolver,
		events:   events,
		accounts: account.NewStore(db),
	}
}

func (e *testEnv) newAccount(t *testing.T, name string) account.Account {
	t.Helper()

	acct, err := e.accounts.Create(context.Background(), account.NewAccount{Name: name})
	require.NoError(t, err)
	return acct
}

// insertRaw は指定した平文でキーを直接登録する。プレフィックス衝突の再現に使う。
func (e *testEnv) insertRaw(t *testing.T, id, accountID, secret string) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = e.db.Exec(`INSERT INTO credentials (id, account_id, name, key_prefix, key_hash, active, created_at)
		VALUES (?, ?, 'raw', ?, ?, 1, ?)`, id, accountID, secret[:PrefixLength], string(hash), database.Millis(time.Now()))
	require.NoError(t, err)
}

// TestMint はキー発行を検証する。
func TestMint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("平文キーが一度だけ返りハッシュで保存されること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		acct := env.newAccount(t, "alice")

		minted, err := env.store.Mint(ctx, acct.ID, "ci")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(minted.Key, SecretPrefix))
		assert.Equal(t, minted.Key[:PrefixLength], minted.KeyPrefix)
		assert.Equal(t, "ci", minted.Name)

		var stored string
		require.NoError(t, env.db.QueryRow(`SELECT key_hash FROM credentials WHERE id = ?`, minted.ID).Scan(&stored))
		assert.NotEqual(t, minted.Key, stored)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored), []byte(minted.Key)))
	})

	t.Run("名前未指定ならdefaultになること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		minted, err := env.store.Mint(ctx, env.newAccount(t, "a").ID, "  ")
		require.NoError(t, err)
		assert.Equal(t, "default", minted.Name)
	})

	t.Run("長すぎる名前はErrInvalidNameになること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		_, err := env.store.Mint(ctx, env.newAccount(t, "a").ID, strings.Repeat("n", 65))
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}

// TestList はキー一覧を検証する。
func TestList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := setupEnv(t)
	alice := env.newAccount(t, "alice")
	bob := env.newAccount(t, "bob")

	_, err := env.store.Mint(ctx, alice.ID, "one")
	require.NoError(t, err)
	_, err = env.store.Mint(ctx, alice.ID, "two")
	require.NoError(t, err)
	_, err = env.store.Mint(ctx, bob.ID, "bob")
	require.NoError(t, err)

	creds, err := env.store.List(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	for _, c := range creds {
		assert.Equal(t, alice.ID, c.AccountID)
		assert.True(t, c.Active)
		assert.Nil(t, c.RevokedAt)
	}

	empty, err := env.store.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// TestRevoke はキーの無効化を検証する。
func TestRevoke(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("無効化したキーは解決できずイベントが記録されること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		acct := env.newAccount(t, "alice")
		minted, err := env.store.Mint(ctx, acct.ID, "ci")
		require.NoError(t, err)

		_, err = env.resolver.Resolve(ctx, minted.Key)
		require.NoError(t, err)

		require.NoError(t, env.store.Revoke(ctx, acct.ID, minted.ID))

		_, err = env.resolver.Resolve(ctx, minted.Key)
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))

		creds, err := env.store.List(ctx, acct.ID)
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.False(t, creds[0].Active)
		assert.NotNil(t, creds[0].RevokedAt)

		require.Len(t, env.events.events, 1)
		assert.Equal(t, event.TypeCredentialRevoked, env.events.events[0].EventType)
		assert.Equal(t, minted.ID, env.events.events[0].AggregateID)
	})

	t.Run("二重の無効化は成功しイベントは1件のままであること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		acct := env.newAccount(t, "alice")
		minted, err := env.store.Mint(ctx, acct.ID, "ci")
		require.NoError(t, err)

		require.NoError(t, env.store.Revoke(ctx, acct.ID, minted.ID))
		require.NoError(t, env.store.Revoke(ctx, acct.ID, minted.ID))
		assert.Len(t, env.events.events, 1)
	})

	t.Run("他のアカウントのキーはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		alice := env.newAccount(t, "alice")
		bob := env.newAccount(t, "bob")
		minted, err := env.store.Mint(ctx, alice.ID, "ci")
		require.NoError(t, err)

		assert.ErrorIs(t, env.store.Revoke(ctx, bob.ID, minted.ID), ErrNotFound)
		_, err = env.resolver.Resolve(ctx, minted.Key)
		assert.NoError(t, err)
	})
}

// TestResolve はトークンの解決を検証する。
func TestResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("発行したキーで所有者が解決されること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		acct := env.newAccount(t, "alice")
		minted, err := env.store.Mint(ctx, acct.ID, "ci")
		require.NoError(t, err)

		id, err := env.resolver.Resolve(ctx, minted.Key)
		require.NoError(t, err)
		assert.Equal(t, Identity{AccountID: acct.ID, CredentialID: minted.ID}, id)
	})

	t.Run("プレフィックスが衝突しても正しいアカウントに解決されること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		alice := env.newAccount(t, "alice")
		bob := env.newAccount(t, "bob")
		env.insertRaw(t, "cred-alice", alice.ID, "tg_collide12-alpha-secret")
		env.insertRaw(t, "cred-bob", bob.ID, "tg_collide12-bravo-secret")

		id, err := env.resolver.Resolve(ctx, "tg_collide12-bravo-secret")
		require.NoError(t, err)
		assert.Equal(t, bob.ID, id.AccountID)
		assert.Equal(t, "cred-bob", id.CredentialID)

		id, err = env.resolver.Resolve(ctx, "tg_collide12-alpha-secret")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, id.AccountID)

		_, err = env.resolver.Resolve(ctx, "tg_collide12-charlie")
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	})

	t.Run("不正なトークンはUnauthenticatedになること", func(t *testing.T) {
		t.Parallel()

		env := setupEnv(t)
		for _, token := range []string{"", "tg_short", "tg_doesnotexist-at-all"} {
			_, err := env.resolver.Resolve(ctx, token)
			assert.True(t, apperr.Is(err, apperr.Unauthenticated), "token=%q", token)
		}
	})
}
