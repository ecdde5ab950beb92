package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/database"
)

var (
	// ErrNotFound は上流APIが存在しないことを表す。
	ErrNotFound = errors.New("APIが見つかりません")
	// ErrUnavailable は上流APIが無効化・非推奨であることを表す。
	ErrUnavailable = errors.New("APIは利用できません")
	// ErrInvalidDefinition は上流APIの定義が不正であることを表す。
	ErrInvalidDefinition = errors.New("API定義が不正です")
)

// Status は上流APIの公開状態。
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusDeprecated Status = "deprecated"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// Endpoint は上流APIのエンドポイント定義。
type Endpoint struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Summary string `json:"summary,omitempty"`
}

// Upstream は転送先の上流API。
type Upstream struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	BaseURL     string     `json:"base_url"`
	Status      Status     `json:"status"`
	Auth        AuthScheme `json:"auth"`
	Tags        []string   `json:"tags"`
	Endpoints   []Endpoint `json:"endpoints,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Public は認証情報を取り除いた公開用のコピーを返す。
func (u Upstream) Public() Upstream {
	u.Auth = u.Auth.Redacted()
	return u
}

// Definition は上流APIの登録・更新の入力。
type Definition struct {
	Slug        string
	Name        string
	Description string
	Category    string
	BaseURL     string
	Status      Status
	Auth        AuthScheme
	Tags        []string
	Endpoints   []Endpoint
}

// Validate は定義を検証し、デフォルト値を補う。
func (d *Definition) Validate() error {
	d.Slug = strings.TrimSpace(d.Slug)
	if !slugPattern.MatchString(d.Slug) {
		return fmt.Errorf("%w: slug %q は英小文字・数字・ハイフンで指定してください", ErrInvalidDefinition, d.Slug)
	}
	if strings.TrimSpace(d.Name) == "" {
		d.Name = d.Slug
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base_url %q が不正です", ErrInvalidDefinition, d.BaseURL)
	}
	switch d.Status {
	case "":
		d.Status = StatusActive
	case StatusActive, StatusInactive, StatusDeprecated:
	default:
		return fmt.Errorf("%w: status %q が不正です", ErrInvalidDefinition, d.Status)
	}
	if d.Auth.Kind == "" {
		d.Auth.Kind = AuthNone
	}
	if err := d.Auth.Validate(); err != nil {
		return err
	}
	for i := range d.Endpoints {
		ep := &d.Endpoints[i]
		ep.Method = strings.ToUpper(strings.TrimSpace(ep.Method))
		if ep.Method == "" {
			ep.Method = "GET"
		}
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%w: エンドポイントのpath %q は/で始めてください", ErrInvalidDefinition, ep.Path)
		}
	}
	return nil
}

// Directory は上流API定義の参照と登録を行う。
type Directory struct {
	db *sql.DB
}

// New は新しいDirectoryを生成する。
func New(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Resolve は転送に使う上流APIを返す。
// 存在しない場合はapperr.NotFound、activeでない場合はapperr.Goneを返す。
func (d *Directory) Resolve(ctx context.Context, slug string) (Upstream, error) {
	up, err := d.get(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		return Upstream{}, apperr.Wrap(apperr.NotFound, "APIが見つかりません", err)
	}
	if err != nil {
		return Upstream{}, err
	}
	if up.Status != StatusActive {
		return Upstream{}, apperr.Wrap(apperr.Gone, "このAPIは現在利用できません", ErrUnavailable)
	}
	return up, nil
}

// Get は公開用の上流API定義をエンドポイント付きで返す。
func (d *Directory) Get(ctx context.Context, slug string) (Upstream, error) {
	up, err := d.get(ctx, slug)
	if err != nil {
		return Upstream{}, err
	}
	up.Endpoints, err = d.endpoints(ctx, up.ID)
	if err != nil {
		return Upstream{}, err
	}
	return up.Public(), nil
}

// List はactiveな上流APIを公開用の形式で返す。
func (d *Directory) List(ctx context.Context) ([]Upstream, error) {
	rows, err := d.db.QueryContext(ctx, selectUpstream+` WHERE status = 'active' ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("API一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ups := make([]Upstream, 0)
	for rows.Next() {
		up, err := scanUpstream(rows)
		if err != nil {
			return nil, fmt.Errorf("API定義の読み取りに失敗: %w", err)
		}
		ups = append(ups, up.Public())
	}
	return ups, rows.Err()
}

// Upsert はslugをキーに上流APIを登録または更新し、エンドポイントを置き換える。
func (d *Directory) Upsert(ctx context.Context, def Definition) (Upstream, error) {
	if err := def.Validate(); err != nil {
		return Upstream{}, err
	}
	tags := def.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Upstream{}, fmt.Errorf("タグのシリアライズに失敗: %w", err)
	}
	now := database.Millis(time.Now())

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Upstream{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id string
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO upstreams (id, slug, name, description, category, base_url, status,
		                       auth_type, auth_name, auth_key, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			base_url = excluded.base_url,
			status = excluded.status,
			auth_type = excluded.auth_type,
			auth_name = excluded.auth_name,
			auth_key = excluded.auth_key,
			tags = excluded.tags,
			updated_at = excluded.updated_at
		RETURNING id`,
		uuid.New().String(), def.Slug, def.Name, def.Description, def.Category, def.BaseURL, string(def.Status),
		string(def.Auth.Kind), def.Auth.Name, def.Auth.Key, string(tagsJSON), now, now).Scan(&id); err != nil {
		return Upstream{}, fmt.Errorf("API定義の保存に失敗: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoints WHERE upstream_id = ?`, id); err != nil {
		return Upstream{}, fmt.Errorf("エンドポイントの削除に失敗: %w", err)
	}
	for _, ep := range def.Endpoints {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO endpoints (id, upstream_id, method, path, summary) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(upstream_id, method, path) DO UPDATE SET summary = excluded.summary`,
			uuid.New().String(), id, ep.Method, ep.Path, ep.Summary); err != nil {
			return Upstream{}, fmt.Errorf("エンドポイントの保存に失敗: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Upstream{}, fmt.Errorf("コミットに失敗: %w", err)
	}
	return d.get(ctx, def.Slug)
}

// MatchEndpoint はメソッドとパスに一致するエンドポイントのIDを返す。
// {name}形式のセグメントは任意の1セグメントに一致し、完全一致を優先する。
func (d *Directory) MatchEndpoint(ctx context.Context, upstreamID, method, path string) (string, bool, error) {
	eps, err := d.endpoints(ctx, upstreamID)
	if err != nil {
		return "", false, err
	}
	method = strings.ToUpper(method)
	if path == "" {
		path = "/"
	}

	var templated string
	for _, ep := range eps {
		if ep.Method != method {
			continue
		}
		if ep.Path == path {
			return ep.ID, true, nil
		}
		if templated == "" && matchTemplate(ep.Path, path) {
			templated = ep.ID
		}
	}
	return templated, templated != "", nil
}

// matchTemplate はテンプレートパスが実際のパスに一致するかを返す。
func matchTemplate(template, path string) bool {
	ts := strings.Split(strings.Trim(template, "/"), "/")
	ps := strings.Split(strings.Trim(path, "/"), "/")
	if len(ts) != len(ps) {
		return false
	}
	for i := range ts {
		if strings.HasPrefix(ts[i], "{") && strings.HasSuffix(ts[i], "}") {
			if ps[i] == "" {
				return false
			}
			continue
		}
		if ts[i] != ps[i] {
			return false
		}
	}
	return true
}

func (d *Directory) get(ctx context.Context, slug string) (Upstream, error) {
	up, err := scanUpstream(d.db.QueryRowContext(ctx, selectUpstream+` WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return Upstream{}, ErrNotFound
	}
	if err != nil {
		return Upstream{}, fmt.Errorf("API定義の取得に失敗: %w", err)
	}
	return up, nil
}

func (d *Directory) endpoints(ctx context.Context, upstreamID string) ([]Endpoint, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, method, path, summary FROM endpoints WHERE upstream_id = ? ORDER BY path, method`, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	eps := make([]Endpoint, 0)
	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.ID, &ep.Method, &ep.Path, &ep.Summary); err != nil {
			return nil, fmt.Errorf("エンドポイントの読み取りに失敗: %w", err)
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

const selectUpstream = `
	SELECT id, slug, name, description, category, base_url, status,
	       auth_type, auth_name, auth_key, tags, created_at, updated_at
	FROM upstreams`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpstream(sc scanner) (Upstream, error) {
	var (
		up               Upstream
		tags             string
		created, updated int64
	)
	if err := sc.Scan(&up.ID, &up.Slug, &up.Name, &up.Description, &up.Category, &up.BaseURL, &up.Status,
		&up.Auth.Kind, &up.Auth.Name, &up.Auth.Key, &tags, &created, &updated); err != nil {
		return Upstream{}, err
	}
	if err := json.Unmarshal([]byte(tags), &up.Tags); err != nil {
		return Upstream{}, fmt.Errorf("タグの読み取りに失敗: %w", err)
	}
	up.CreatedAt = database.FromMillis(created)
	up.UpdatedAt = database.FromMillis(updated)
	return up, nil
}
