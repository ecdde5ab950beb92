package config

import (
	"errors"
	"fmt"
	"time"
)

// Config はゲートウェイサービス全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// CatalogFile は起動時に読み込む上流APIカタログ（YAML）のパス。空なら読み込まない。
	CatalogFile string
	// PublicBaseURL は支払いURLの組み立てに使う外部公開URL。空ならリクエストから推定する。
	PublicBaseURL string
	// AdminJWTSecret は管理者APIのJWT署名鍵。空なら管理者APIは無効。
	AdminJWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string

	// CallCost はプロキシ呼び出し1回あたりのクレジット消費量。
	CallCost int64
	// SignupBonus はサインアップ時に付与するクレジット。0なら付与しない。
	SignupBonus int64
	// BcryptCost は認証キーのハッシュ計算コスト。
	BcryptCost int

	// UpstreamTimeout は上流API呼び出しのタイムアウト。
	UpstreamTimeout time.Duration
	// RequestTimeout は転送前の各ステージに適用するリクエスト期限。
	RequestTimeout time.Duration
	// MaxRequestBodyBytes は転送するリクエストボディの上限。
	MaxRequestBodyBytes int64
	// MaxResponseBodyBytes は中継するレスポンスボディの上限。
	MaxResponseBodyBytes int64

	// HoldTTL は未精算の与信（ホールド）を失効させるまでの時間。
	HoldTTL time.Duration
	// SweepInterval は失効ホールドの掃除間隔。
	SweepInterval time.Duration

	// SettlementWorkers は精算タスクを処理するワーカー数。
	SettlementWorkers int
	// SettlementQueue は精算キューの長さ。
	SettlementQueue int
	// SettlementMaxRetries は精算タスクの最大リトライ回数。
	SettlementMaxRetries int
	// SettlementTaskTimeout は精算タスク1件にリトライを含めて与える時間。
	SettlementTaskTimeout time.Duration
}

// Load は環境変数から設定を読み込み、検証する。
func Load() (Config, error) {
	cfg := Config{
		Port:           GetEnv("PORT", "8080"),
		DatabasePath:   GetEnv("DATABASE_PATH", "/data/tollgate.db"),
		CatalogFile:    GetEnv("CATALOG_FILE", ""),
		PublicBaseURL:  GetEnv("PUBLIC_BASE_URL", ""),
		AdminJWTSecret: GetEnv("ADMIN_JWT_SECRET", ""),
		AllowedOrigins: GetEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		CallCost:    GetEnvInt64("CALL_COST_CREDITS", 1),
		SignupBonus: GetEnvInt64("SIGNUP_BONUS_CREDITS", 0),
		BcryptCost:  GetEnvInt("BCRYPT_COST", 10),

		UpstreamTimeout:      GetEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		RequestTimeout:       GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes:  GetEnvInt64("MAX_REQUEST_BODY_BYTES", 10<<20),
		MaxResponseBodyBytes: GetEnvInt64("MAX_RESPONSE_BODY_BYTES", 32<<20),

		HoldTTL:       GetEnvDuration("HOLD_TTL", 5*time.Minute),
		SweepInterval: GetEnvDuration("SWEEP_INTERVAL", time.Minute),

		SettlementWorkers:     GetEnvInt("SETTLEMENT_WORKERS", 4),
		SettlementQueue:       GetEnvInt("SETTLEMENT_QUEUE", 1024),
		SettlementMaxRetries:  GetEnvInt("SETTLEMENT_MAX_RETRIES", 3),
		SettlementTaskTimeout: GetEnvDuration("SETTLEMENT_TASK_TIMEOUT", 30*time.Second),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.CallCost < 1 {
		errs = append(errs, fmt.Errorf("CALL_COST_CREDITS は1以上である必要があります: %d", c.CallCost))
	}
	if c.SignupBonus < 0 {
		errs = append(errs, fmt.Errorf("SIGNUP_BONUS_CREDITS は0以上である必要があります: %d", c.SignupBonus))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT は正の値である必要があります"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT は正の値である必要があります"))
	}
	if c.SettlementTaskTimeout <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_TASK_TIMEOUT は正の値である必要があります"))
	}
	// 精算のリトライ中にホールドが失効すると、成功した呼び出しが課金されない
	if c.HoldTTL <= c.UpstreamTimeout+c.SettlementTaskTimeout {
		errs = append(errs, fmt.Errorf("HOLD_TTL は UPSTREAM_TIMEOUT と SETTLEMENT_TASK_TIMEOUT の合計（%s）より長い必要があります",
			c.UpstreamTimeout+c.SettlementTaskTimeout))
	}
	if c.SettlementWorkers < 1 {
		errs = append(errs, errors.New("SETTLEMENT_WORKERS は1以上である必要があります"))
	}
	if c.SettlementMaxRetries < 0 {
		errs = append(errs, errors.New("SETTLEMENT_MAX_RETRIES は0以上である必要があります"))
	}
	return errors.Join(errs...)
}
