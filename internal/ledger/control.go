package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/bartek5186/stockimport/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	KeyStopAll = "stop_all_at"

	StopAllNote = "cancelled by admin stop-all"
	ResetNote   = "cancelled by admin reset"
)

type ResetReport struct {
	DryRun          bool  `json:"dry_run"`
	CancelledRuns   int64 `json:"cancelled_runs"`
	ClearedProgress int64 `json:"cleared_progress"`
	ClearedLogs     int64 `json:"cleared_logs"`
}

func (l *Ledger) GetKV(ctx context.Context, key string) (string, bool, error) {
	var kv db.KV
	err := l.db.WithContext(ctx).Where("k = ?", key).Take(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return kv.V, true, nil
}

func (l *Ledger) SetKV(ctx context.Context, key, value string) error {
	return setKV(l.db.WithContext(ctx), key, value, l.now())
}

func setKV(tx *gorm.DB, key, value string, now time.Time) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "k"}},
		DoUpdates: clause.AssignmentColumns([]string{"v", "updated_at"}),
	}).Create(&db.KV{K: key, V: value, UpdatedAt: now}).Error
}

// StopAllAt – moment ustawienia globalnego pulsu stop (nil = brak).
func (l *Ledger) StopAllAt(ctx context.Context) (*time.Time, error) {
	v, ok, err := l.GetKV(ctx, KeyStopAll)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		// śmieć w wartości traktujemy jak ustawiony puls
		now := l.now()
		return &now, nil
	}
	return &t, nil
}

// StopAll ustawia puls stop_all_at i od razu zamyka wszystkie otwarte runy
// jako cancelled, bez czekania na workery.
func (l *Ledger) StopAll(ctx context.Context) ([]uint, error) {
	now := l.now()
	var ids []uint
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setKV(tx, KeyStopAll, now.UTC().Format(time.RFC3339Nano), now); err != nil {
			return err
		}
		var err error
		ids, _, err = cancelOpenRuns(tx, 0, StopAllNote, now)
		return err
	})
	return ids, err
}

// ClearStop zdejmuje puls – nowe runy mogą startować.
func (l *Ledger) ClearStop(ctx context.Context) error {
	return l.db.WithContext(ctx).Where("k = ?", KeyStopAll).Delete(&db.KV{}).Error
}

// Reset: dry-run tylko liczy; na żywo anuluje otwarte runy, czyści progress i logi.
// jobID > 0 zawęża zakres do jednego joba.
func (l *Ledger) Reset(ctx context.Context, dryRun bool, jobID uint) (*ResetReport, error) {
	rep := &ResetReport{DryRun: dryRun}
	now := l.now()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		runs := tx.Model(&db.Run{}).Select("id")
		if jobID > 0 {
			runs = runs.Where("job_id = ?", jobID)
		}
		uploads := tx.Model(&db.Upload{}).Select("id").Where("run_id IN (?)", runs)

		openQ := tx.Model(&db.Run{}).Where("status NOT IN ?", db.TerminalStatuses)
		progQ := tx.Model(&db.Progress{})
		logQ := tx.Model(&db.LogEntry{})
		if jobID > 0 {
			openQ = openQ.Where("job_id = ?", jobID)
			progQ = progQ.Where("upload_id IN (?)", uploads)
			logQ = logQ.Where("job_id = ?", jobID)
		}

		if dryRun {
			if err := openQ.Count(&rep.CancelledRuns).Error; err != nil {
				return err
			}
			if err := progQ.Count(&rep.ClearedProgress).Error; err != nil {
				return err
			}
			return logQ.Count(&rep.ClearedLogs).Error
		}

		ids, cleared, err := cancelOpenRuns(tx, jobID, ResetNote, now)
		if err != nil {
			return err
		}
		rep.CancelledRuns = int64(len(ids))
		rep.ClearedProgress = cleared

		delProg := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if jobID > 0 {
			delProg = delProg.Where("upload_id IN (?)", uploads)
		}
		res := delProg.Delete(&db.Progress{})
		if res.Error != nil {
			return res.Error
		}
		rep.ClearedProgress += res.RowsAffected

		delLogs := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if jobID > 0 {
			delLogs = delLogs.Where("job_id = ?", jobID)
		}
		res = delLogs.Delete(&db.LogEntry{})
		if res.Error != nil {
			return res.Error
		}
		rep.ClearedLogs = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// cancelOpenRuns zamyka otwarte runy jako cancelled, kasuje ich progress
// i odświeża last_status jobów wg ich ostatniego runu.
func cancelOpenRuns(tx *gorm.DB, jobID uint, note string, now time.Time) ([]uint, int64, error) {
	q := tx.Model(&db.Run{}).Where("status NOT IN ?", db.TerminalStatuses)
	if jobID > 0 {
		q = q.Where("job_id = ?", jobID)
	}
	var open []db.Run
	if err := q.Find(&open).Error; err != nil {
		return nil, 0, err
	}
	if len(open) == 0 {
		return nil, 0, nil
	}

	ids := make([]uint, 0, len(open))
	jobs := map[uint]struct{}{}
	for _, r := range open {
		ids = append(ids, r.ID)
		jobs[r.JobID] = struct{}{}
	}

	if err := tx.Model(&db.Run{}).
		Where("id IN ? AND status NOT IN ?", ids, db.TerminalStatuses).
		Updates(map[string]any{
			"status":        db.StatusCancelled,
			"finished_at":   now,
			"error_message": note,
		}).Error; err != nil {
		return nil, 0, err
	}

	res := tx.Where("upload_id IN (?)", tx.Model(&db.Upload{}).Select("id").Where("run_id IN ?", ids)).
		Delete(&db.Progress{})
	if res.Error != nil {
		return nil, 0, res.Error
	}

	for jid := range jobs {
		var last db.Run
		if err := tx.Where("job_id = ?", jid).Order("id DESC").Take(&last).Error; err != nil {
			continue
		}
		touchJob(tx, jid, last.Status, nil)
	}
	return ids, res.RowsAffected, nil
}
