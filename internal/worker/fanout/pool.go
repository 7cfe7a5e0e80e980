// Package fanout はスキャン記録後のバックグラウンド処理を実行するワーカープールを提供する。
// 通知やWebhook配信などの後続処理をリクエストの応答から切り離し、
// 失敗はログとメトリクスに記録してリクエスト側へは伝播させない。
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/metrics"
)

// Task はプールで実行する処理。
type Task func(ctx context.Context) error

type job struct {
	name string
	task Task
}

// Config はプールの設定。
type Config struct {
	// Workers は同時に実行する処理の最大数。0以下の場合は8。
	Workers int
	// QueueSize は実行待ちキューの長さ。0以下の場合は1024。
	QueueSize int
	// TaskTimeout は1件の処理に与える実行時間の上限。0以下の場合は30秒。
	TaskTimeout time.Duration
}

// Pool は固定数のワーカーとサイズ上限付きのキューで処理を実行する。
//
// Submitはキューが満杯でもブロックせず、処理を破棄してfalseを返す。
// 各処理はリクエストのコンテキストとは独立したコンテキストで実行され、
// panicはワーカー内で回収してログに記録する。
type Pool struct {
	queue       chan job
	workers     int
	taskTimeout time.Duration
	logger      *slog.Logger
	metrics     metrics.MetricsCollector

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewPool はPoolを生成する。Startを呼ぶまで処理は実行されない。
func NewPool(cfg Config, logger *slog.Logger, m metrics.MetricsCollector) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.Nop{}
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:       make(chan job, cfg.QueueSize),
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		logger:      logger,
		metrics:     m,
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
}

// Start はワーカーを起動する。2回目以降の呼び出しは何もしない。
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}

	p.logger.Info("バックグラウンドワーカープールを開始しました",
		slog.Int("workers", p.workers),
		slog.Int("queue_size", cap(p.queue)),
	)
}

// Submit は処理をキューに追加する。
// キューが満杯、またはShutdown後の場合は処理を破棄してfalseを返す。
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Warn("停止済みのため処理を破棄しました", slog.String("task", name))
		p.metrics.RecordTaskDropped(name)
		return false
	}

	select {
	case p.queue <- job{name: name, task: task}:
		return true
	default:
		p.logger.Warn("キューが満杯のため処理を破棄しました",
			slog.String("task", name),
			slog.Int("queue_size", cap(p.queue)),
		)
		p.metrics.RecordTaskDropped(name)
		return false
	}
}

// Shutdown は新規の受付を止め、キューに残った処理を実行し終えるまで待つ。
// ctxが先に終了した場合は実行中の処理のコンテキストをキャンセルしてctxのエラーを返す。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		// ワーカーがいないため残りは実行されない
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("バックグラウンドワーカープールを停止しました")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("バックグラウンド処理の完了を待たずに停止しました",
			slog.Int("pending", len(p.queue)),
		)
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.taskTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("バックグラウンド処理でpanicが発生しました",
				slog.String("task", j.name),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			p.metrics.RecordTaskFailure(j.name)
		}
	}()

	if err := j.task(ctx); err != nil {
		p.logger.Error("バックグラウンド処理に失敗しました",
			slog.String("task", j.name),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		p.metrics.RecordTaskFailure(j.name)
	}
}
