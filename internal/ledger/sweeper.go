package ledger

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/tollgate/pkg/event"
)

// EventRecorder は運用イベントの追記先。
type EventRecorder interface {
	Append(ctx context.Context, ev *event.Event) error
}

// Sweeper は精算されないまま残ったホールドを定期的に失効させる。
// 精算タスクがプロセス停止などで失われても、確保額が永久に残らないようにする。
type Sweeper struct {
	ledger   *Ledger
	ttl      time.Duration
	interval time.Duration
	events   EventRecorder
	expired  prometheus.Counter
	logger   *logrus.Logger
}

// SweeperOption はSweeperの任意設定。
type SweeperOption func(*Sweeper)

// WithEvents は失効イベントの記録先を設定する。
func WithEvents(events EventRecorder) SweeperOption {
	return func(s *Sweeper) { s.events = events }
}

// WithExpiredCounter は失効件数のカウンタを設定する。
func WithExpiredCounter(c prometheus.Counter) SweeperOption {
	return func(s *Sweeper) { s.expired = c }
}

// NewSweeper は新しいSweeperを生成する。
func NewSweeper(l *Ledger, ttl, interval time.Duration, logger *logrus.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		ledger:   l,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run はctxがキャンセルされるまで定期的に掃除を行う。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("ホールドの失効処理に失敗")
			}
		}
	}
}

// SweepOnce はTTLを過ぎたホールドを1回だけ失効させ、失効した件数を返す。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.ledger.now().Add(-s.ttl)
	holds, err := s.ledger.ExpireHolds(ctx, cutoff)

	for _, h := range holds {
		s.logger.WithFields(logrus.Fields{
			"hold_id":    h.ID,
			"account_id": h.AccountID,
			"amount":     h.Amount,
			"reference":  h.Reference,
		}).Warn("ホールドを失効させました")
		if s.expired != nil {
			s.expired.Inc()
		}
		s.record(ctx, h)
	}
	return len(holds), err
}

// record は失効イベントを記録する。記録に失敗しても処理は続ける。
func (s *Sweeper) record(ctx context.Context, h Hold) {
	if s.events == nil {
		return
	}
	ev, err := event.New(h.ID, event.AggregateTypeHold, event.TypeCreditHoldExpired, event.CreditHoldExpiredData{
		AccountID: h.AccountID,
		Amount:    h.Amount,
		Reference: h.Reference,
	})
	if err == nil {
		err = s.events.Append(ctx, ev)
	}
	if err != nil {
		s.logger.WithError(err).WithField("hold_id", h.ID).Error("失効イベントの記録に失敗")
	}
}
