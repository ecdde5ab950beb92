package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/database"
	"github.com/nao1215/tollgate/pkg/logging"
)

// setupDirectory はインメモリDBを使うDirectoryを生成する。
func setupDirectory(t *testing.T) *Directory {
	t.Helper()

	db, err := database.OpenMemory(context.Background(), logging.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func weatherDefinition() Definition {
	return Definition{
		Slug:     "weather",
		Name:     "Weather",
		Category: "weather",
		BaseURL:  "https://api.weather.example/v1",
		Auth:     AuthScheme{Kind: AuthAPIKeyQuery, Name: "appid", Key: "secret-weather"},
		Tags:     []string{"weather", "forecast"},
		Endpoints: []Endpoint{
			{Method: "get", Path: "/forecast", Summary: "5日間予報"},
			{Method: "GET", Path: "/cities/{id}"},
			{Method: "GET", Path: "/cities/top"},
		},
	}
}

// TestAuthSchemeApply は認証情報の注入を検証する。
func TestAuthSchemeApply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		scheme     AuthScheme
		wantQuery  string
		wantHeader string
		headerName string
	}{
		{
			name:      "クエリのAPIキーは呼び出し元の値を上書きすること",
			scheme:    AuthScheme{Kind: AuthAPIKeyQuery, Name: "appid", Key: "K"},
			wantQuery: "appid=K&q=London",
		},
		{
			name:       "ヘッダーのAPIキーを設定すること",
			scheme:     AuthScheme{Kind: AuthAPIKeyHeader, Name: "X-Api-Key", Key: "K"},
			wantQuery:  "appid=caller&q=London",
			headerName: "X-Api-Key",
			wantHeader: "K",
		},
		{
			name:       "BearerはデフォルトでAuthorizationヘッダーを使うこと",
			scheme:     AuthScheme{Kind: AuthBearer, Key: "T"},
			wantQuery:  "appid=caller&q=London",
			headerName: "Authorization",
			wantHeader: "Bearer T",
		},
		{
			name:       "Bearerはヘッダー名を変更できること",
			scheme:     AuthScheme{Kind: AuthBearer, Name: "X-Token", Key: "T"},
			wantQuery:  "appid=caller&q=London",
			headerName: "X-Token",
			wantHeader: "Bearer T",
		},
		{
			name:      "noneは何も変更しないこと",
			scheme:    AuthScheme{Kind: AuthNone},
			wantQuery: "appid=caller&q=London",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u, err := url.Parse("https://api.example/v1/forecast?q=London&appid=caller")
			require.NoError(t, err)
			h := http.Header{}
			h.Set("X-Api-Key", "caller")

			tt.scheme.Apply(u, h)
			assert.Equal(t, tt.wantQuery, u.Query().Encode())
			if tt.headerName != "" {
				assert.Equal(t, tt.wantHeader, h.Get(tt.headerName))
			}
		})
	}
}

// TestAuthSchemeValidate は認証方式の検証を検証する。
func TestAuthSchemeValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, AuthScheme{Kind: AuthNone}.Validate())
	assert.NoError(t, AuthScheme{Kind: AuthBearer, Key: "k"}.Validate())
	assert.ErrorIs(t, AuthScheme{Kind: AuthAPIKeyQuery, Key: "k"}.Validate(), ErrInvalidDefinition)
	assert.ErrorIs(t, AuthScheme{Kind: AuthAPIKeyHeader, Name: "X"}.Validate(), ErrInvalidDefinition)
	assert.ErrorIs(t, AuthScheme{Kind: "oauth2", Key: "k"}.Validate(), ErrInvalidDefinition)
}

// TestResolve は転送先の解決を検証する。
func TestResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("activeなAPIは認証情報付きで解決されること", func(t *testing.T) {
		t.Parallel()

		d := setupDirectory(t)
		_, err := d.Upsert(ctx, weatherDefinition())
		require.NoError(t, err)

		up, err := d.Resolve(ctx, "weather")
		require.NoError(t, err)
		assert.Equal(t, "https://api.weather.example/v1", up.BaseURL)
		assert.Equal(t, "secret-weather", up.Auth.Key)
	})

	t.Run("未知のslugはNotFoundになること", func(t *testing.T) {
		t.Parallel()

		_, err := setupDirectory(t).Resolve(ctx, "nope")
		assert.True(t, apperr.Is(err, apperr.NotFound))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("非推奨や無効のAPIはGoneになること", func(t *testing.T) {
		t.Parallel()

		d := setupDirectory(t)
		for _, status := range []Status{StatusDeprecated, StatusInactive} {
			def := weatherDefinition()
			def.Status = status
			_, err := d.Upsert(ctx, def)
			require.NoError(t, err)

			_, err = d.Resolve(ctx, "weather")
			assert.True(t, apperr.Is(err, apperr.Gone), "status=%s", status)
		}
	})
}

// TestCatalogView は公開カタログに認証情報が含まれないことを検証する。
func TestCatalogView(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := setupDirectory(t)
	_, err := d.Upsert(ctx, weatherDefinition())
	require.NoError(t, err)
	hidden := weatherDefinition()
	hidden.Slug = "legacy"
	hidden.Status = StatusDeprecated
	_, err = d.Upsert(ctx, hidden)
	require.NoError(t, err)

	list, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "weather", list[0].Slug)
	assert.Empty(t, list[0].Auth.Key)

	up, err := d.Get(ctx, "weather")
	require.NoError(t, err)
	assert.Len(t, up.Endpoints, 3)
	assert.Equal(t, []string{"weather", "forecast"}, up.Tags)

	body, err := json.Marshal(up)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "secret-weather")
	assert.Contains(t, string(body), `"type":"api_key_query"`)

	_, err = d.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestUpsert は定義の更新を検証する。
func TestUpsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("同じslugで登録すると更新されIDは変わらないこと", func(t *testing.T) {
		t.Parallel()

		d := setupDirectory(t)
		first, err := d.Upsert(ctx, weatherDefinition())
		require.NoError(t, err)

		def := weatherDefinition()
		def.BaseURL = "https://api2.weather.example"
		def.Endpoints = def.Endpoints[:1]
		second, err := d.Upsert(ctx, def)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "https://api2.weather.example", second.BaseURL)

		up, err := d.Get(ctx, "weather")
		require.NoError(t, err)
		assert.Len(t, up.Endpoints, 1)
	})

	t.Run("不正な定義は拒否されること", func(t *testing.T) {
		t.Parallel()

		d := setupDirectory(t)
		for name, mutate := range map[string]func(*Definition){
			"slugに大文字":     func(def *Definition) { def.Slug = "Weather" },
			"base_urlがftp": func(def *Definition) { def.BaseURL = "ftp://example.com" },
			"未知のstatus":    func(def *Definition) { def.Status = "beta" },
			"pathが/で始まらない": func(def *Definition) { def.Endpoints[0].Path = "forecast" },
		} {
			def := weatherDefinition()
			mutate(&def)
			_, err := d.Upsert(ctx, def)
			assert.ErrorIs(t, err, ErrInvalidDefinition, name)
		}
	})
}

// TestMatchEndpoint はエンドポイントの照合を検証する。
func TestMatchEndpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := setupDirectory(t)
	up, err := d.Upsert(ctx, weatherDefinition())
	require.NoError(t, err)
	full, err := d.Get(ctx, "weather")
	require.NoError(t, err)
	ids := make(map[string]string)
	for _, ep := range full.Endpoints {
		ids[ep.Path] = ep.ID
	}

	tests := []struct {
		method, path string
		want         string
		ok           bool
	}{
		{"GET", "/forecast", ids["/forecast"], true},
		{"get", "/forecast", ids["/forecast"], true},
		{"GET", "/cities/top", ids["/cities/top"], true},
		{"GET", "/cities/42", ids["/cities/{id}"], true},
		{"POST", "/forecast", "", false},
		{"GET", "/cities", "", false},
		{"GET", "", "", false},
	}
	for _, tt := range tests {
		got, ok, err := d.MatchEndpoint(ctx, up.ID, tt.method, tt.path)
		require.NoError(t, err)
		assert.Equal(t, tt.ok, ok, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.want, got, "%s %s", tt.method, tt.path)
	}
}

// TestLoadCatalog はYAMLカタログの読み込みを検証する。
func TestLoadCatalog(t *testing.T) {
	t.Setenv("TOLLGATE_TEST_WEATHER_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
upstreams:
  - slug: weather
    name: Weather
    base_url: https://api.weather.example/v1
    auth:
      type: api_key_query
      name: appid
      key: ${TOLLGATE_TEST_WEATHER_KEY}
    tags: [weather]
    endpoints:
      - method: GET
        path: /forecast
  - slug: echo
    base_url: http://localhost:9000
`), 0o600))

	defs, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "from-env", defs[0].Auth.Key)
	assert.Equal(t, StatusActive, defs[0].Status)
	assert.Equal(t, AuthNone, defs[1].Auth.Kind)
	assert.Equal(t, "echo", defs[1].Name)

	d := setupDirectory(t)
	n, err := d.Seed(context.Background(), defs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	up, err := d.Resolve(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, "from-env", up.Auth.Key)

	t.Run("slugが重複するとエラーになること", func(t *testing.T) {
		_, err := ParseCatalog([]byte(`
upstreams:
  - {slug: a, base_url: "http://a.example"}
  - {slug: a, base_url: "http://b.example"}
`))
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("ファイルが無い場合はエラーになること", func(t *testing.T) {
		_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
