// Package settlement はレスポンス返却後に行う精算タスクをバックグラウンドで実行する。
//
// タスクは有界キューとワーカーで処理し、リクエストのライフタイムとは独立した
// タイムアウト付きコンテキストで実行する。失敗したタスクは指数バックオフでリトライし、
// リトライを使い切ったものは失敗チャネルへ送る。
package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrClosed はShutdown後にタスクが投入されたことを表す。
var ErrClosed = errors.New("精算ディスパッチャーは停止しています")

// Task は1つの精算タスク。
type Task struct {
	// Name はタスク名（settle / release / usage）。
	Name string
	// Reference は関連するホールドIDまたは利用記録ID。
	Reference string
	// AccountID は対象アカウントのID。
	AccountID string
	// Run はタスク本体。リトライされるため冪等でなければならない。
	Run func(ctx context.Context) error
}

// Failure はリトライを使い切った、または恒久的に失敗したタスク。
type Failure struct {
	Task      string
	Reference string
	AccountID string
	Attempts  int
	Err       error
	At        time.Time
}

// permanentError はリトライしても成功しないエラー。
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent はerrをリトライ対象外としてマークする。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent はリトライ対象外のエラーかどうかを返す。
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Options はDispatcherの設定。
type Options struct {
	// Workers はワーカー数。
	Workers int
	// QueueSize はキューの長さ。
	QueueSize int
	// MaxRetries は初回を除くリトライ回数。
	MaxRetries int
	// BaseDelay と MaxDelay はバックオフの範囲。
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// TaskTimeout はリトライを含むタスク1件あたりの制限時間。
	TaskTimeout time.Duration
	Logger      *logrus.Logger
}

func normalizeOptions(opts Options) Options {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay * 20
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return opts
}

// Dispatcher は精算タスクのワーカープール。
type Dispatcher struct {
	opts     Options
	executor failsafe.Executor[any]
	queue    chan Task
	failures chan Failure
	logger   *logrus.Logger

	mu       sync.RWMutex
	closed   bool
	workers  errgroup.Group
	overflow sync.WaitGroup
}

// New は新しいDispatcherを生成し、ワーカーを起動する。
func New(opts Options) *Dispatcher {
	opts = normalizeOptions(opts)

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(opts.BaseDelay, opts.MaxDelay).
		WithMaxRetries(opts.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !IsPermanent(err)
		}).
		Build()

	d := &Dispatcher{
		opts:     opts,
		executor: failsafe.With[any](retry),
		queue:    make(chan Task, opts.QueueSize),
		failures: make(chan Failure, opts.QueueSize),
		logger:   opts.Logger,
	}
	for range opts.Workers {
		d.workers.Go(func() error {
			for task := range d.queue {
				d.execute(task)
			}
			return nil
		})
	}
	return d
}

// Submit はタスクを投入する。呼び出し元をブロックしない。
// キューが満杯の場合は追跡対象のgoroutineで実行する。
func (d *Dispatcher) Submit(task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- task:
	default:
		d.logger.WithFields(logrus.Fields{
			"task":      task.Name,
			"reference": task.Reference,
		}).Warn("精算キューが満杯のため個別に実行します")
		d.overflow.Add(1)
		go func() {
			defer d.overflow.Done()
			d.execute(task)
		}()
	}
	return nil
}

// Failures は失敗したタスクを受け取るチャネルを返す。Shutdownで全タスクが終わると閉じる。
func (d *Dispatcher) Failures() <-chan Failure {
	return d.failures
}

// Shutdown は新規投入を止め、キューに残ったタスクの完了を待つ。
// ctxが先に終了した場合はctx.Err()を返す。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.workers.Wait()
		d.overflow.Wait()
		close(d.failures)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute はタスクをリトライ付きで実行し、失敗したら失敗チャネルへ送る。
func (d *Dispatcher) execute(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.TaskTimeout)
	defer cancel()

	attempts := 0
	var lastErr error
	_, err := d.executor.WithContext(ctx).Get(func() (any, error) {
		attempts++
		lastErr = task.Run(ctx)
		return nil, lastErr
	})
	if err == nil {
		return
	}
	if lastErr == nil {
		lastErr = err
	}

	failure := Failure{
		Task:      task.Name,
		Reference: task.Reference,
		AccountID: task.AccountID,
		Attempts:  attempts,
		Err:       lastErr,
		At:        time.Now(),
	}
	select {
	case d.failures <- failure:
	default:
		d.logger.WithFields(logrus.Fields{
			"task":      task.Name,
			"reference": task.Reference,
			"attempts":  attempts,
		}).WithError(lastErr).Error("失敗チャネルが満杯のため精算失敗を記録できません")
	}
}
