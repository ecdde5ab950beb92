// Package logging はlogrusベースの構造化ロガーを生成する。
package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/pkg/config"
)

// Logger はサービス全体で使うロガー。
type Logger = *logrus.Logger

// Fields は構造化ログのフィールド。
type Fields = logrus.Fields

// New はJSON形式で出力するロガーを生成する。ログレベルは LOG_LEVEL に従う。
func New() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewWithService は全エントリに service フィールドを付与するロガーを生成する。
func NewWithService(service string) *logrus.Logger {
	logger := New()
	logger.AddHook(serviceHook{service: service})
	return logger
}

// NewDiscard は出力を捨てるロガーを生成する。テスト用。
func NewDiscard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// serviceHook はログエントリにサービス名を付与するフック。
type serviceHook struct {
	service string
}

// Levels はフックを適用するログレベルを返す。
func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire はエントリに service フィールドを設定する。
func (h serviceHook) Fire(entry *logrus.Entry) error {
	entry.Data["service"] = h.service
	return nil
}
