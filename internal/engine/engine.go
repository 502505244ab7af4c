// Package engine – przyjmowanie runów, pula workerów i pipeline importu
// (snapshot -> normalizacja -> ładowanie trybem joba), plus operacje admina.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	conf "github.com/bartek5186/stockimport/internal/config"
	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/ledger"
	"github.com/bartek5186/stockimport/internal/loader"
	"github.com/bartek5186/stockimport/internal/lock"
	"github.com/bartek5186/stockimport/internal/metrics"
	"github.com/bartek5186/stockimport/internal/strategy"
)

var (
	ErrStopped      = errors.New("imports are stopped by admin; clear stop to resume")
	ErrQueueFull    = errors.New("worker queue is full")
	ErrJobDisabled  = errors.New("job is disabled")
	ErrShuttingDown = errors.New("engine is shutting down")
)

const (
	crashNote    = "process exited before the run finished"
	shutdownNote = "engine shut down before the run finished"
)

type Options struct {
	ImportRoot        string
	StorageDir        string
	Workers           int
	QueueSize         int
	ProgressThreshold int
	Heartbeat         time.Duration
	FallbackCharset   string
	ETACeiling        time.Duration
}

func OptionsFromConfig(cfg *conf.Config) Options {
	return Options{
		ImportRoot:        cfg.ImportRoot,
		StorageDir:        cfg.StorageDir,
		Workers:           cfg.Workers,
		QueueSize:         cfg.QueueSize,
		ProgressThreshold: cfg.ProgressThresholdRows,
		Heartbeat:         time.Duration(cfg.HeartbeatSeconds) * time.Second,
		FallbackCharset:   cfg.FallbackCharset,
		ETACeiling:        time.Duration(cfg.ETACeilingSeconds) * time.Second,
	}
}

// Deps – zależności budowane w app.go (albo w testach).
type Deps struct {
	Ledger   *ledger.Ledger
	Locks    lock.Locker
	Strategy *strategy.Manager
	Loader   *loader.Loader
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

// hooks – wywołania między fazami runu: po normalizacji i po każdej zatwierdzonej paczce
type hooks struct {
	afterRead  func(rc *RunContext)
	afterBatch func(rc *RunContext, batch int)
}

type Engine struct {
	opt Options
	led *ledger.Ledger

	locks   lock.Locker
	strat   *strategy.Manager
	loader  *loader.Loader
	metrics *metrics.Metrics
	log     zerolog.Logger
	hooks   hooks

	mu      sync.Mutex
	tasks   chan task
	active  map[uint]*RunContext
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(d Deps, opt Options) *Engine {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = opt.Workers
	}
	if opt.Heartbeat <= 0 {
		opt.Heartbeat = 2 * time.Second
	}
	if opt.ETACeiling <= 0 {
		opt.ETACeiling = 7 * 24 * time.Hour
	}
	return &Engine{
		opt:     opt,
		led:     d.Ledger,
		locks:   d.Locks,
		strat:   d.Strategy,
		loader:  d.Loader,
		metrics: d.Metrics,
		log:     d.Log,
		tasks:   make(chan task, opt.QueueSize),
		active:  map[uint]*RunContext{},
	}
}

func (e *Engine) Ledger() *ledger.Ledger   { return e.led }
func (e *Engine) Options() Options          { return e.opt }
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Start uruchamia workery. Recover należy zawołać wcześniej.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.group, _ = errgroup.WithContext(e.ctx)
	for i := 0; i < e.opt.Workers; i++ {
		id := i + 1
		e.group.Go(func() error {
			e.worker(id)
			return nil
		})
	}
	e.log.Info().Int("workers", e.opt.Workers).Int("queue", e.opt.QueueSize).Msg("engine started")
}

// Shutdown: nowe runy odrzucane, bieżące dostają anulowany ctx. Po upływie ctx
// wszystko, co wciąż śledzone, jest domykane jako failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.tasks)
	started := e.started
	e.mu.Unlock()

	if started {
		e.cancel()
		done := make(chan struct{})
		go func() {
			_ = e.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			e.log.Warn().Msg("workers did not stop in time")
		}
	} else {
		// workery nie ruszyły – zadania z kolejki trzeba domknąć tutaj
		for t := range e.tasks {
			e.abandon(t, shutdownNote)
		}
	}

	for _, rc := range e.activeRuns() {
		e.finish(rc, outcome{status: runFailed, msg: shutdownNote})
	}
	e.log.Info().Msg("engine stopped")
	return nil
}

// Recover – crash guard przy starcie: runy zostawione przez martwy proces -> failed.
// Run, którego tabelę wciąż blokuje inny żywy proces (np. run --local obok serve),
// zostaje nietknięty.
func (e *Engine) Recover(ctx context.Context) ([]uint, error) {
	open, err := e.led.OpenRuns(ctx)
	if err != nil {
		return nil, err
	}
	var ids []uint
	for _, r := range open {
		release := lock.Release(func() {})
		if table, err := e.led.TableForJob(ctx, r.JobID); err == nil {
			rel, err := e.locks.Acquire(ctx, table)
			if errors.Is(err, lock.ErrBusy) {
				e.log.Info().Uint("run_id", r.ID).Str("table", table).Msg("run held by another live process, left open")
				continue
			}
			if err != nil {
				return ids, err
			}
			release = rel
		}
		ok, err := e.led.Finish(ctx, r.ID, db.StatusFailed, crashNote, nil)
		release()
		if err != nil {
			return ids, err
		}
		if ok {
			ids = append(ids, r.ID)
			e.log.Warn().Uint("run_id", r.ID).Msg("run left open by a previous process marked failed")
		}
	}
	return ids, nil
}

func (e *Engine) untrack(runID uint) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

func (e *Engine) activeRuns() []*RunContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*RunContext, 0, len(e.active))
	for _, rc := range e.active {
		out = append(out, rc)
	}
	return out
}

// ActiveRuns – id runów trzymanych przez ten proces.
func (e *Engine) ActiveRuns() []uint {
	var ids []uint
	for _, rc := range e.activeRuns() {
		ids = append(ids, rc.RunID)
	}
	return ids
}
