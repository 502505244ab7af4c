package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/ledger"
	"github.com/bartek5186/stockimport/internal/loader"
	"github.com/bartek5186/stockimport/internal/normalize"
	"github.com/bartek5186/stockimport/internal/strategy"
)

const (
	runImported  = db.StatusImported
	runFailed    = db.StatusFailed
	runCancelled = db.StatusCancelled
)

// outcome – wynik pipeline'u; closed = run już zamknięty z zewnątrz (stop-all),
// nic nie zapisujemy.
type outcome struct {
	status db.RunStatus
	msg    string
	closed bool
}

func (e *Engine) worker(id int) {
	log := e.log.With().Int("worker", id).Logger()
	for t := range e.tasks {
		if e.ctx.Err() != nil {
			e.abandon(t, shutdownNote)
			continue
		}
		log.Debug().Uint("run_id", t.rc.RunID).Msg("picked run")
		e.process(t)
	}
}

// abandon – zadanie z kolejki, którego nie wykonamy.
func (e *Engine) abandon(t task, msg string) {
	defer e.untrack(t.rc.RunID)
	defer t.release()
	e.finish(t.rc, outcome{status: runFailed, msg: msg})
}

// process: jeden run od początku do stanu terminalnego. recover() to crash guard
// wewnątrz procesu; śmierć procesu łapie Recover przy następnym starcie.
func (e *Engine) process(t task) {
	rc := t.rc
	e.metrics.RunStarted()
	defer e.metrics.RunStopped()
	defer e.untrack(rc.RunID)
	defer t.release()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("worker panic: %v", r)
			rc.Log.Error().Str("stack", string(debug.Stack())).Msg(msg)
			rc.errorf(context.Background(), phaseFinish, msg, nil)
			e.finish(rc, outcome{status: runFailed, msg: msg})
		}
	}()

	out := e.execute(e.ctx, rc, &t.job)
	e.finish(rc, out)
}

func (e *Engine) execute(ctx context.Context, rc *RunContext, job *db.Job) outcome {
	if out, stop := e.advance(ctx, rc, db.StatusRunning, 0, 0); stop {
		return out
	}

	// snapshot
	src, err := normalize.ResolveSource(job.SourcePath, e.opt.ImportRoot)
	if err != nil {
		return e.fail(ctx, rc, phaseSnapshot, fmt.Errorf("source: %w", err))
	}
	snap, err := normalize.TakeSnapshot(src, filepath.Join(e.opt.StorageDir, "uploads"))
	if err != nil {
		return e.fail(ctx, rc, phaseSnapshot, err)
	}
	if err := e.led.SaveUploadSnapshot(ctx, &db.Upload{
		ID:         rc.UploadID,
		SourcePath: src,
		StoredPath: snap.StoredPath,
		Format:     snap.Format.String(),
		SizeBytes:  snap.SizeBytes,
		Checksum:   snap.Checksum,
	}); err != nil {
		return e.fail(ctx, rc, phaseSnapshot, err)
	}
	rc.info(ctx, phaseSnapshot, "source copied", map[string]any{
		"source": src, "bytes": snap.SizeBytes, "checksum": snap.Checksum, "format": snap.Format.String(),
	})

	// normalizacja
	if out, stop := e.advance(ctx, rc, db.StatusReading, 0, 0); stop {
		return out
	}
	charset := job.Charset
	if charset == "" {
		charset = e.opt.FallbackCharset
	}
	work := filepath.Join(e.opt.StorageDir, "work", fmt.Sprintf("run-%d.csv", rc.RunID))
	defer os.Remove(work)

	norm, err := normalize.Run(ctx, normalize.Options{
		Path:           snap.StoredPath,
		Format:         snap.Format,
		Mapping:        job.Mapping,
		Transforms:     job.Transforms,
		Charset:        charset,
		OutPath:        work,
		HeartbeatEvery: e.opt.Heartbeat,
		OnHeartbeat: func(n int64) {
			// przeczytane wiersze to na razie tylko rosnący mianownik
			rc.setProgress(ctx, db.StatusReading, 0, n)
			rc.Log.Debug().Int64("rows", n).Msg("reading")
		},
	})
	if err != nil {
		return e.fail(ctx, rc, phaseRead, err)
	}
	rc.setRead(norm.Rows, norm.Skipped)
	rc.info(ctx, phaseRead, fmt.Sprintf("normalized %d rows", norm.Rows), map[string]any{
		"rows": norm.Rows, "skipped": norm.Skipped, "clamped_stock": norm.ClampedStock,
		"delimiter": norm.Delimiter, "encoding": norm.Encoding, "sheet": norm.Sheet,
	})
	if norm.ClampedStock > 0 {
		rc.warn(ctx, phaseRead, fmt.Sprintf("%d negative stock values clamped to 0", norm.ClampedStock), nil)
	}
	if e.hooks.afterRead != nil {
		e.hooks.afterRead(rc)
	}

	// ładowanie
	if out, stop := e.advance(ctx, rc, db.StatusInserting, 0, norm.Rows); stop {
		return out
	}
	stopped := func(ctx context.Context) bool { return e.stopRequested(ctx, rc) }

	load := func(ctx context.Context, table string) (*loader.Result, error) {
		return e.loader.Load(ctx, work, table, loader.Hooks{
			OnProgress: func(ctx context.Context, n int64) {
				rc.setLoaded(n, "")
				rc.setProgress(ctx, db.StatusInserting, n, norm.Rows)
			},
			OnChunk: func(ctx context.Context, batch, rows int, took time.Duration) {
				rc.info(ctx, phaseLoad, fmt.Sprintf("batch %d committed", batch), map[string]any{
					"batch": batch, "rows": rows, "ms": took.Milliseconds(),
				})
				if e.hooks.afterBatch != nil {
					e.hooks.afterBatch(rc, batch)
				}
			},
			Cancelled: stopped,
			OnFallback: func(ctx context.Context, reason error) {
				e.metrics.Fallback()
				rc.warn(ctx, phaseLoad, "native bulk load unavailable, using batched inserts",
					map[string]any{"reason": reason.Error()})
			},
		})
	}

	res, err := e.strat.Execute(ctx, job.Mode, strategy.Target{
		Table:     rc.Table,
		RunID:     rc.RunID,
		Columns:   mappedColumns(job.Mapping),
		Cancelled: stopped,
		Warn: func(ctx context.Context, msg string, err error) {
			rc.warn(ctx, phaseSwap, msg, map[string]any{"error": err.Error()})
		},
	}, load)
	if res != nil && res.Load != nil {
		rc.setLoaded(res.Load.Rows, res.Load.Path)
	}
	if errors.Is(err, loader.ErrCancelled) {
		return e.cancelled(ctx, rc)
	}
	if err != nil {
		return e.fail(ctx, rc, phaseLoad, err)
	}

	st := rc.stats()
	meta := map[string]any{"rows": st.RowsDone, "path": st.LoadPath, "deduped": res.Deduped}
	if job.Mode == db.ModeMerge {
		meta["upserted"] = res.Upserted
	}
	if res.Fallback {
		meta["swap_fallback"] = true
	}
	rc.info(ctx, phaseLoad, "load finished", meta)
	return outcome{status: runImported}
}

// advance przestawia fazę; stop=true gdy run zatrzymano albo już zamknięto.
func (e *Engine) advance(ctx context.Context, rc *RunContext, to db.RunStatus, done, total int64) (outcome, bool) {
	err := e.led.Advance(ctx, rc.RunID, to)
	switch {
	case errors.Is(err, ledger.ErrStopRequested):
		return e.cancelled(ctx, rc), true
	case errors.Is(err, ledger.ErrRunClosed):
		rc.Log.Info().Msg("run closed externally, worker exits")
		return outcome{closed: true}, true
	case err != nil:
		return e.fail(ctx, rc, phaseFinish, err), true
	}
	if at, _ := e.led.StopAllAt(ctx); at != nil {
		return e.cancelled(ctx, rc), true
	}
	rc.setProgress(ctx, to, done, total)
	return outcome{}, false
}

// stopRequested – sprawdzane na granicach paczek: cancelling, zamknięty run albo puls stop-all.
func (e *Engine) stopRequested(ctx context.Context, rc *RunContext) bool {
	if run, err := e.led.GetRun(ctx, rc.RunID); err == nil {
		if run.Status == db.StatusCancelling || run.Status.Terminal() {
			return true
		}
	}
	at, err := e.led.StopAllAt(ctx)
	return err == nil && at != nil
}

func (e *Engine) fail(ctx context.Context, rc *RunContext, phase string, err error) outcome {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%s: %w", shutdownNote, err)
	}
	rc.errorf(ctx, phase, err.Error(), nil)
	return outcome{status: runFailed, msg: err.Error()}
}

func (e *Engine) cancelled(ctx context.Context, rc *RunContext) outcome {
	rc.warn(ctx, phaseFinish, "stop requested, run cancelled", map[string]any{"rows_done": rc.stats().RowsDone})
	return outcome{status: runCancelled, msg: "cancelled by stop request"}
}

// finish – jedyne miejsce zapisu stanu terminalnego. Run zamknięty wcześniej
// (stop-all, crash guard) zostaje jak jest.
func (e *Engine) finish(rc *RunContext, out outcome) {
	if out.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats := rc.stats()
	applied, err := e.led.Finish(ctx, rc.RunID, out.status, out.msg, stats)
	if err != nil {
		rc.Log.Error().Err(err).Str("status", string(out.status)).Msg("finish run failed")
		return
	}
	if !applied {
		rc.Log.Info().Str("status", string(out.status)).Msg("run already closed, final status kept")
		return
	}

	if out.status == runImported {
		rc.setProgress(ctx, runImported, stats.RowsTotal, stats.RowsTotal)
		rc.info(ctx, phaseFinish, "import finished", map[string]any{
			"rows": stats.RowsDone, "path": stats.LoadPath, "ms": stats.DurationMS,
		})
	} else {
		rc.setProgress(ctx, out.status, stats.RowsDone, stats.RowsTotal)
	}
	e.metrics.RunFinished(string(out.status), string(rc.Mode), stats.LoadPath, stats.RowsDone, time.Since(rc.Started).Seconds())
}

// mappedColumns – kolumny kanoniczne obecne w mapowaniu; code zawsze pierwszy.
func mappedColumns(m db.ColumnMapping) []string {
	cols := []string{normalize.ColCode}
	if strings.TrimSpace(m.EAN) != "" {
		cols = append(cols, normalize.ColEAN)
	}
	if strings.TrimSpace(m.Name) != "" {
		cols = append(cols, normalize.ColName)
	}
	cols = append(cols, normalize.ColStock)
	if strings.TrimSpace(m.ETA) != "" {
		cols = append(cols, normalize.ColETA)
	}
	return cols
}
