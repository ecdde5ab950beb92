package settlement

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/pkg/event"
)

// EventRecorder は運用イベントの追記先。
type EventRecorder interface {
	Append(ctx context.Context, ev *event.Event) error
}

// Reporter は失敗チャネルを読み、ログ・メトリクス・イベントログに記録する。
type Reporter struct {
	logger  *logrus.Logger
	counter *prometheus.CounterVec
	events  EventRecorder
}

// NewReporter は新しいReporterを生成する。counterとeventsはnilでもよい。
func NewReporter(logger *logrus.Logger, counter *prometheus.CounterVec, events EventRecorder) *Reporter {
	return &Reporter{logger: logger, counter: counter, events: events}
}

// Run はfailuresが閉じるまで失敗を記録し続ける。
// ctxはイベント追記に使う。キャンセルされても残りの失敗はログとメトリクスに残す。
func (r *Reporter) Run(ctx context.Context, failures <-chan Failure) error {
	for f := range failures {
		r.Report(ctx, f)
	}
	return nil
}

// Report は1件の失敗を記録する。
func (r *Reporter) Report(ctx context.Context, f Failure) {
	entry := r.logger.WithFields(logrus.Fields{
		"task":       f.Task,
		"reference":  f.Reference,
		"account_id": f.AccountID,
		"attempts":   f.Attempts,
	})
	if f.Err != nil {
		entry = entry.WithError(f.Err)
	}
	entry.Error("精算タスクが失敗しました")

	if r.counter != nil {
		r.counter.WithLabelValues(f.Task).Inc()
	}
	if r.events == nil || f.Reference == "" {
		return
	}

	reason := ""
	if f.Err != nil {
		reason = f.Err.Error()
	}
	ev, err := event.New(f.Reference, aggregateType(f.Task), event.TypeSettlementFailed, event.SettlementFailedData{
		Task:      f.Task,
		Reference: f.Reference,
		AccountID: f.AccountID,
		Attempts:  f.Attempts,
		Reason:    reason,
	})
	if err == nil {
		err = r.events.Append(context.WithoutCancel(ctx), ev)
	}
	if err != nil {
		entry.WithError(err).Error("精算失敗イベントの記録に失敗")
	}
}

// aggregateType はタスク名からイベントの対象種別を決める。
func aggregateType(task string) event.AggregateType {
	if task == TaskUsage {
		return event.AggregateTypeUsage
	}
	return event.AggregateTypeHold
}

const (
	// TaskSettle はホールドを精算するタスク。
	TaskSettle = "settle"
	// TaskRelease はホールドを解放するタスク。
	TaskRelease = "release"
	// TaskUsage は利用記録を書き込むタスク。
	TaskUsage = "usage"
)
