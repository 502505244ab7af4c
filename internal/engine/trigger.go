package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/ledger"
	"github.com/bartek5186/stockimport/internal/lock"
	"github.com/bartek5186/stockimport/internal/normalize"
)

type TriggerResult struct {
	RunID    uint   `json:"run_id"`
	UploadID uint   `json:"upload_id"`
	Table    string `json:"table"`
}

// Trigger zakłada run dla joba i oddaje go do puli; nie czeka na wynik.
// Zajęta tabela = natychmiastowe lock.ErrBusy, bez rekordu runu.
func (e *Engine) Trigger(ctx context.Context, jobID uint) (*TriggerResult, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	at, err := e.led.StopAllAt(ctx)
	if err != nil {
		return nil, err
	}
	if at != nil {
		return nil, ErrStopped
	}

	job, err := e.led.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return nil, fmt.Errorf("%w: job %d", ErrJobDisabled, job.ID)
	}
	manu, err := e.led.GetManufacturer(ctx, job.ManufacturerID)
	if err != nil {
		return nil, fmt.Errorf("job %d manufacturer: %w", job.ID, err)
	}
	table := manu.DataTable
	if !ledger.ValidDataTable(table) {
		return nil, &ledger.ValidationError{Field: "data_table", Msg: fmt.Sprintf("manufacturer %d has invalid table %q", manu.ID, table)}
	}

	release, err := e.locks.Acquire(ctx, table)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			e.metrics.Busy()
			return nil, fmt.Errorf("%w: %s", lock.ErrBusy, table)
		}
		return nil, err
	}

	run, up, err := e.led.CreateRun(ctx, job.ID, job.SourcePath, normalize.FormatByExt(job.SourcePath).String())
	if err != nil {
		release()
		return nil, err
	}
	rc := newRunContext(e.led, e.log, job, table, run, up, e.opt.ProgressThreshold)

	if err := e.led.Advance(ctx, run.ID, db.StatusStarted); err != nil {
		release()
		e.finish(rc, outcome{status: runFailed, msg: err.Error()})
		return nil, err
	}
	rc.setProgress(ctx, db.StatusStarted, 0, 0)
	rc.info(ctx, phaseTrigger, "run queued", map[string]any{"mode": string(job.Mode), "source": job.SourcePath})

	if err := e.submit(task{rc: rc, job: *job, release: release}); err != nil {
		release()
		e.finish(rc, outcome{status: runFailed, msg: err.Error()})
		return nil, err
	}
	return &TriggerResult{RunID: run.ID, UploadID: up.ID, Table: table}, nil
}

// submit – wrzucenie do kolejki bez blokowania.
func (e *Engine) submit(t task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShuttingDown
	}
	// rejestracja przed wysłaniem: worker może skończyć, zanim wrócimy z select
	e.active[t.rc.RunID] = t.rc
	select {
	case e.tasks <- t:
		return nil
	default:
		delete(e.active, t.rc.RunID)
		return ErrQueueFull
	}
}

// TriggerMany – wygodne dla schedulera/CLI: błędy per job, bez przerywania.
func (e *Engine) TriggerMany(ctx context.Context, jobIDs []uint) map[uint]error {
	out := make(map[uint]error, len(jobIDs))
	for _, id := range jobIDs {
		_, err := e.Trigger(ctx, id)
		out[id] = err
	}
	return out
}

// IsBusy / IsStopped – pomocnicze do klasyfikacji błędów w warstwach wyżej.
func IsBusy(err error) bool    { return errors.Is(err, lock.ErrBusy) }
func IsStopped(err error) bool { return errors.Is(err, ErrStopped) }
