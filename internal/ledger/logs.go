package ledger

import (
	"context"
	"encoding/json"

	"github.com/bartek5186/stockimport/internal/db"
	"gorm.io/datatypes"
)

const (
	DefaultTailLimit = 200
	MaxTailLimit     = 500
)

type TailQuery struct {
	RunID uint
	JobID uint
	Since uint // ostatnie widziane id
	Limit int
}

type TailPage struct {
	Entries []db.LogEntry `json:"entries"`
	Cursor  uint          `json:"cursor"`
}

func (l *Ledger) AppendLog(ctx context.Context, jobID, runID uint, level, phase, msg string, meta map[string]any) (*db.LogEntry, error) {
	e := &db.LogEntry{
		CreatedAt: l.now(),
		JobID:     jobID,
		RunID:     runID,
		Level:     level,
		Phase:     phase,
		Message:   msg,
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err == nil {
			e.Meta = datatypes.JSON(raw)
		}
	}
	if err := l.db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// Tail – wpisy o id > Since, rosnąco, max Limit. Cursor = ostatnie zwrócone id
// (albo Since, gdy nic nowego).
func (l *Ledger) Tail(ctx context.Context, q TailQuery) (*TailPage, error) {
	if q.RunID == 0 && q.JobID == 0 {
		return nil, &ValidationError{Field: "run_id", Msg: "run_id or job_id is required"}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	if limit > MaxTailLimit {
		limit = MaxTailLimit
	}

	tx := l.db.WithContext(ctx).Where("id > ?", q.Since)
	if q.RunID > 0 {
		tx = tx.Where("run_id = ?", q.RunID)
	} else {
		tx = tx.Where("job_id = ?", q.JobID)
	}

	page := &TailPage{Entries: []db.LogEntry{}, Cursor: q.Since}
	if err := tx.Order("id ASC").Limit(limit).Find(&page.Entries).Error; err != nil {
		return nil, err
	}
	if n := len(page.Entries); n > 0 {
		page.Cursor = page.Entries[n-1].ID
	}
	return page, nil
}

// ClearLogs – jedyne miejsce, które kasuje logi (admin, zakres run albo job).
func (l *Ledger) ClearLogs(ctx context.Context, runID, jobID uint) (int64, error) {
	tx := l.db.WithContext(ctx)
	switch {
	case runID > 0:
		tx = tx.Where("run_id = ?", runID)
	case jobID > 0:
		tx = tx.Where("job_id = ?", jobID)
	default:
		return 0, &ValidationError{Field: "run_id", Msg: "run_id or job_id is required"}
	}
	res := tx.Delete(&db.LogEntry{})
	return res.RowsAffected, res.Error
}
