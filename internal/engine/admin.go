package engine

import (
	"context"
	"time"

	"github.com/bartek5186/stockimport/internal/ledger"
)

// StopRun – zatrzymanie wskazanego runu; worker domknie go jako cancelled
// na najbliższej granicy paczki. false = run już był zamknięty.
func (e *Engine) StopRun(ctx context.Context, runID uint) (bool, error) {
	ok, err := e.led.RequestStop(ctx, runID)
	if err != nil {
		return false, err
	}
	if ok {
		e.log.Info().Uint("run_id", runID).Msg("stop requested")
		if run, err := e.led.GetRun(ctx, runID); err == nil {
			_, _ = e.led.AppendLog(ctx, run.JobID, runID, "warn", phaseFinish, "stop requested", nil)
		}
	}
	return ok, nil
}

// StopAll – puls stop + natychmiastowe domknięcie otwartych runów, bez czekania na workery.
func (e *Engine) StopAll(ctx context.Context) ([]uint, error) {
	ids, err := e.led.StopAll(ctx)
	if err != nil {
		return nil, err
	}
	e.log.Warn().Int("cancelled", len(ids)).Msg("stop-all: imports halted")
	return ids, nil
}

func (e *Engine) ClearStop(ctx context.Context) error {
	if err := e.led.ClearStop(ctx); err != nil {
		return err
	}
	e.log.Info().Msg("stop-all cleared")
	return nil
}

func (e *Engine) Reset(ctx context.Context, dryRun bool, jobID uint) (*ledger.ResetReport, error) {
	rep, err := e.led.Reset(ctx, dryRun, jobID)
	if err != nil {
		return nil, err
	}
	e.log.Warn().Bool("dry_run", dryRun).Uint("job_id", jobID).
		Int64("runs", rep.CancelledRuns).Int64("progress", rep.ClearedProgress).Int64("logs", rep.ClearedLogs).
		Msg("reset")
	return rep, nil
}

func (e *Engine) ClearLogs(ctx context.Context, runID, jobID uint) (int64, error) {
	return e.led.ClearLogs(ctx, runID, jobID)
}

// Status – run wskazany wprost albo przez job/upload.
func (e *Engine) Status(ctx context.Context, runID, jobID, uploadID uint) (*ledger.RunView, error) {
	id, err := e.led.ResolveRunID(ctx, runID, jobID, uploadID)
	if err != nil {
		return nil, err
	}
	return e.led.RunStatus(ctx, id)
}

func (e *Engine) ListJobs(ctx context.Context) ([]ledger.JobSummary, error) {
	return e.led.ListJobs(ctx, e.opt.ETACeiling)
}

// WaitRun odpytuje status do stanu terminalnego; onPoll (może być nil) dostaje każdy odczyt.
func (e *Engine) WaitRun(ctx context.Context, runID uint, every time.Duration, onPoll func(*ledger.RunView)) (*ledger.RunView, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		v, err := e.led.RunStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if onPoll != nil {
			onPoll(v)
		}
		if v.Run.Status.Terminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-t.C:
		}
	}
}
