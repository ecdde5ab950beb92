package directory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile はYAMLカタログのファイル形式。
type catalogFile struct {
	Upstreams []catalogEntry `yaml:"upstreams"`
}

type catalogEntry struct {
	Slug        string     `yaml:"slug"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Category    string     `yaml:"category"`
	BaseURL     string     `yaml:"base_url"`
	Status      Status     `yaml:"status"`
	Auth        AuthScheme `yaml:"auth"`
	Tags        []string   `yaml:"tags"`
	Endpoints   []struct {
		Method  string `yaml:"method"`
		Path    string `yaml:"path"`
		Summary string `yaml:"summary"`
	} `yaml:"endpoints"`
}

// LoadCatalog はYAMLカタログを読み込み、検証済みの定義を返す。
// ${NAME} 形式の環境変数は読み込み前に展開するため、APIキーをファイルに書かずに済む。
func LoadCatalog(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("カタログの読み込みに失敗: %w", err)
	}
	return ParseCatalog([]byte(os.ExpandEnv(string(raw))))
}

// ParseCatalog はYAMLカタログを解析する。
func ParseCatalog(data []byte) ([]Definition, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("カタログの解析に失敗: %w", err)
	}

	seen := make(map[string]bool, len(file.Upstreams))
	defs := make([]Definition, 0, len(file.Upstreams))
	for i, e := range file.Upstreams {
		def := Definition{
			Slug:        e.Slug,
			Name:        e.Name,
			Description: e.Description,
			Category:    e.Category,
			BaseURL:     e.BaseURL,
			Status:      e.Status,
			Auth:        e.Auth,
			Tags:        e.Tags,
		}
		for _, ep := range e.Endpoints {
			def.Endpoints = append(def.Endpoints, Endpoint{Method: ep.Method, Path: ep.Path, Summary: ep.Summary})
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("upstreams[%d]: %w", i, err)
		}
		if seen[def.Slug] {
			return nil, fmt.Errorf("upstreams[%d]: %w: slug %q が重複しています", i, ErrInvalidDefinition, def.Slug)
		}
		seen[def.Slug] = true
		defs = append(defs, def)
	}
	return defs, nil
}

// Seed は定義をすべて登録し、登録した件数を返す。
func (d *Directory) Seed(ctx context.Context, defs []Definition) (int, error) {
	for i, def := range defs {
		if _, err := d.Upsert(ctx, def); err != nil {
			return i, fmt.Errorf("%s の登録に失敗: %w", def.Slug, err)
		}
	}
	return len(defs), nil
}
