package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/ledger"
	"github.com/bartek5186/stockimport/internal/lock"
)

// Fazy w logu runu.
const (
	phaseTrigger  = "trigger"
	phaseSnapshot = "snapshot"
	phaseRead     = "read"
	phaseLoad     = "load"
	phaseSwap     = "swap"
	phaseFinish   = "finish"
)

// RunContext – stan jednego runu przekazywany jawnie przez cały pipeline.
type RunContext struct {
	JobID    uint
	RunID    uint
	UploadID uint
	Table    string
	Mode     db.LoadMode
	Started  time.Time

	Log      zerolog.Logger
	progress *ledger.ProgressWriter
	led      *ledger.Ledger

	// liczniki czyta też Shutdown z innej gorutyny
	mu          sync.Mutex
	rowsTotal   int64
	rowsDone    int64
	rowsSkipped int64
	loadPath    string
}

func newRunContext(led *ledger.Ledger, base zerolog.Logger, job *db.Job, table string, run *db.Run, up *db.Upload, threshold int) *RunContext {
	return &RunContext{
		JobID:    job.ID,
		RunID:    run.ID,
		UploadID: up.ID,
		Table:    table,
		Mode:     job.Mode,
		Started:  run.StartedAt,
		Log: base.With().
			Uint("job_id", job.ID).
			Uint("run_id", run.ID).
			Uint("upload_id", up.ID).
			Str("table", table).
			Logger(),
		progress: led.NewProgressWriter(up.ID, threshold),
		led:      led,
	}
}

// entry zapisuje wpis w logu runu (ledger) i ten sam wpis do zerologa.
// Zapis do bazy idzie nawet po anulowaniu ctx runu.
func (rc *RunContext) entry(ctx context.Context, level zerolog.Level, phase, msg string, meta map[string]any) {
	ev := rc.Log.WithLevel(level).Str("phase", phase)
	for k, v := range meta {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)

	if _, err := rc.led.AppendLog(context.WithoutCancel(ctx), rc.JobID, rc.RunID, level.String(), phase, msg, meta); err != nil {
		rc.Log.Warn().Err(err).Msg("append run log failed")
	}
}

func (rc *RunContext) info(ctx context.Context, phase, msg string, meta map[string]any) {
	rc.entry(ctx, zerolog.InfoLevel, phase, msg, meta)
}

func (rc *RunContext) warn(ctx context.Context, phase, msg string, meta map[string]any) {
	rc.entry(ctx, zerolog.WarnLevel, phase, msg, meta)
}

func (rc *RunContext) errorf(ctx context.Context, phase, msg string, meta map[string]any) {
	rc.entry(ctx, zerolog.ErrorLevel, phase, msg, meta)
}

func (rc *RunContext) setProgress(ctx context.Context, status db.RunStatus, done, total int64) {
	if _, err := rc.progress.Update(context.WithoutCancel(ctx), status, done, total); err != nil {
		rc.Log.Warn().Err(err).Msg("progress update failed")
	}
}

func (rc *RunContext) setRead(total, skipped int64) {
	rc.mu.Lock()
	rc.rowsTotal, rc.rowsSkipped = total, skipped
	rc.mu.Unlock()
}

// setLoaded – pusta ścieżka zostawia poprzednią.
func (rc *RunContext) setLoaded(done int64, path string) {
	rc.mu.Lock()
	rc.rowsDone = done
	if path != "" {
		rc.loadPath = path
	}
	rc.mu.Unlock()
}

func (rc *RunContext) stats() *ledger.RunStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return &ledger.RunStats{
		RowsTotal:   rc.rowsTotal,
		RowsDone:    rc.rowsDone,
		RowsSkipped: rc.rowsSkipped,
		LoadPath:    rc.loadPath,
		DurationMS:  time.Since(rc.Started).Milliseconds(),
	}
}

// task – run przyjęty do kolejki; release zwalnia blokadę tabeli.
type task struct {
	rc      *RunContext
	job     db.Job
	release lock.Release
}
