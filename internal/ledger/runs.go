package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bartek5186/stockimport/internal/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// statusy, z których worker może przejść dalej (bez cancelling i terminalnych)
var advanceable = []db.RunStatus{
	db.StatusPending, db.StatusStarted, db.StatusRunning, db.StatusReading, db.StatusInserting,
}

type RunStats struct {
	RowsTotal   int64  `json:"rows_total"`
	RowsDone    int64  `json:"rows_done"`
	RowsSkipped int64  `json:"rows_skipped,omitempty"`
	LoadPath    string `json:"load_path,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
}

// RunView – odpowiedź dla pollingu statusu.
type RunView struct {
	Run      RunInfo       `json:"run"`
	Progress *ProgressInfo `json:"progress"`
}

type RunInfo struct {
	ID           uint         `json:"id"`
	JobID        uint         `json:"job_id"`
	UploadID     uint         `json:"upload_id"`
	Status       db.RunStatus `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at"`
	ErrorMessage *string      `json:"error_message"`
}

type ProgressInfo struct {
	Status    db.RunStatus `json:"status"`
	RowsTotal int64        `json:"rows_total"`
	RowsDone  int64        `json:"rows_done"`
	Percent   float64      `json:"percent"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CreateRun zakłada Run + Upload + wiersz progressu w jednej transakcji.
func (l *Ledger) CreateRun(ctx context.Context, jobID uint, sourcePath, format string) (*db.Run, *db.Upload, error) {
	now := l.now()
	run := &db.Run{JobID: jobID, Status: db.StatusPending, StartedAt: now}
	up := &db.Upload{SourcePath: sourcePath, Format: format}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		up.RunID = run.ID
		if err := tx.Create(up).Error; err != nil {
			return fmt.Errorf("create upload: %w", err)
		}
		if err := tx.Create(&db.Progress{UploadID: up.ID, Status: db.StatusPending, UpdatedAt: now}).Error; err != nil {
			return fmt.Errorf("create progress: %w", err)
		}
		touchJob(tx, jobID, db.StatusPending, &now)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return run, up, nil
}

// Advance przestawia run w kolejną fazę. Nie nadpisuje cancelling ani stanów terminalnych.
func (l *Ledger) Advance(ctx context.Context, runID uint, to db.RunStatus) error {
	tx := l.db.WithContext(ctx)
	res := tx.Model(&db.Run{}).
		Where("id = ? AND status IN ?", runID, advanceable).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		var jobID uint
		if err := tx.Model(&db.Run{}).Where("id = ?", runID).Select("job_id").Scan(&jobID).Error; err == nil {
			touchJob(tx, jobID, to, nil)
		}
		return nil
	}
	cur, err := l.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if cur.Status == db.StatusCancelling {
		return ErrStopRequested
	}
	if cur.Status.Terminal() {
		return ErrRunClosed
	}
	// ten sam status – nic do zrobienia
	return nil
}

// Finish zamyka run. Zwraca false, jeśli run był już terminalny
// (np. zamknięty przez stop-all) – wtedy nic nie nadpisujemy.
func (l *Ledger) Finish(ctx context.Context, runID uint, status db.RunStatus, errMsg string, stats *RunStats) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish with non-terminal status %q", status)
	}
	now := l.now()
	upd := map[string]any{"status": status, "finished_at": now}
	if errMsg != "" {
		upd["error_message"] = errMsg
	}
	if stats != nil {
		raw, _ := json.Marshal(stats)
		upd["stats"] = datatypes.JSON(raw)
	}

	applied := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Run{}).
			Where("id = ? AND status NOT IN ?", runID, db.TerminalStatuses).
			Updates(upd)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		var run db.Run
		if err := tx.Take(&run, runID).Error; err != nil {
			return err
		}
		touchJob(tx, run.JobID, status, nil)
		// lustro statusu w progressie; procenty zostają jak były
		return tx.Model(&db.Progress{}).
			Where("upload_id IN (?)", tx.Model(&db.Upload{}).Select("id").Where("run_id = ?", runID)).
			Updates(map[string]any{"status": status, "updated_at": now}).Error
	})
	return applied, err
}

// RequestStop – zatrzymanie wskazanego runu; worker zauważy to na granicy batcha.
func (l *Ledger) RequestStop(ctx context.Context, runID uint) (bool, error) {
	res := l.db.WithContext(ctx).Model(&db.Run{}).
		Where("id = ? AND status IN ?", runID, advanceable).
		Update("status", db.StatusCancelling)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := l.GetRun(ctx, runID); err != nil {
			return false, err
		}
	}
	return res.RowsAffected > 0, nil
}

func (l *Ledger) GetRun(ctx context.Context, id uint) (*db.Run, error) {
	var r db.Run
	if err := l.db.WithContext(ctx).Take(&r, id).Error; err != nil {
		return nil, notFound(err, "run")
	}
	return &r, nil
}

func (l *Ledger) GetUploadForRun(ctx context.Context, runID uint) (*db.Upload, error) {
	var u db.Upload
	if err := l.db.WithContext(ctx).Where("run_id = ?", runID).Order("id DESC").Take(&u).Error; err != nil {
		return nil, notFound(err, "upload")
	}
	return &u, nil
}

// SaveUploadSnapshot uzupełnia upload po skopiowaniu pliku.
func (l *Ledger) SaveUploadSnapshot(ctx context.Context, up *db.Upload) error {
	return l.db.WithContext(ctx).Model(&db.Upload{ID: up.ID}).
		Updates(map[string]any{
			"source_path": up.SourcePath,
			"stored_path": up.StoredPath,
			"format":      up.Format,
			"size_bytes":  up.SizeBytes,
			"checksum":    up.Checksum,
		}).Error
}

// OpenRuns – runy w stanie nieterminalnym.
func (l *Ledger) OpenRuns(ctx context.Context) ([]db.Run, error) {
	var out []db.Run
	err := l.db.WithContext(ctx).
		Where("status NOT IN ?", db.TerminalStatuses).
		Order("id").Find(&out).Error
	return out, err
}

// ResolveRunID: run_id wprost, albo ostatni run joba, albo run uploadu.
func (l *Ledger) ResolveRunID(ctx context.Context, runID, jobID, uploadID uint) (uint, error) {
	tx := l.db.WithContext(ctx)
	switch {
	case runID > 0:
		return runID, nil
	case uploadID > 0:
		var u db.Upload
		if err := tx.Take(&u, uploadID).Error; err != nil {
			return 0, notFound(err, "upload")
		}
		return u.RunID, nil
	case jobID > 0:
		var r db.Run
		if err := tx.Where("job_id = ?", jobID).Order("id DESC").Take(&r).Error; err != nil {
			return 0, notFound(err, "run")
		}
		return r.ID, nil
	}
	return 0, &ValidationError{Field: "run_id", Msg: "run_id, job_id or upload_id is required"}
}

func (l *Ledger) RunStatus(ctx context.Context, runID uint) (*RunView, error) {
	run, err := l.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	view := &RunView{Run: RunInfo{
		ID:           run.ID,
		JobID:        run.JobID,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		ErrorMessage: run.ErrorMessage,
	}}

	up, err := l.GetUploadForRun(ctx, runID)
	if err != nil {
		return view, nil
	}
	view.Run.UploadID = up.ID

	var p db.Progress
	if err := l.db.WithContext(ctx).Where("upload_id = ?", up.ID).Take(&p).Error; err == nil {
		view.Progress = &ProgressInfo{
			Status:    p.Status,
			RowsTotal: p.RowsTotal,
			RowsDone:  p.RowsDone,
			Percent:   p.Percent,
			UpdatedAt: p.UpdatedAt,
		}
	}
	return view, nil
}

