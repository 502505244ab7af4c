package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// JobSummary – wiersz listy jobów z ostatnim runem i progressem (dashboard).
type JobSummary struct {
	db.Job
	Manufacturer string       `json:"manufacturer"`
	DataTable    string       `json:"data_table"`
	LatestRun    *db.Run      `json:"latest_run,omitempty"`
	Progress     *db.Progress `json:"progress,omitempty"`
	ETASeconds   *int64       `json:"eta_seconds"`
}

// ValidateJob sprawdza pola wymagane zanim job trafi do bazy.
func ValidateJob(j *db.Job) error {
	j.Title = strings.TrimSpace(j.Title)
	j.SourcePath = strings.TrimSpace(j.SourcePath)
	j.Mode = db.LoadMode(strings.ToLower(strings.TrimSpace(string(j.Mode))))
	j.Schedule = strings.TrimSpace(j.Schedule)

	switch {
	case j.ManufacturerID == 0:
		return &ValidationError{Field: "manufacturer_id", Msg: "is required"}
	case j.Title == "":
		return &ValidationError{Field: "title", Msg: "is required"}
	case j.SourcePath == "":
		return &ValidationError{Field: "source_path", Msg: "is required"}
	case !j.Mode.Valid():
		return &ValidationError{Field: "mode", Msg: "must be replace or merge"}
	case strings.TrimSpace(j.Mapping.Code) == "":
		return &ValidationError{Field: "mapping.code", Msg: "is required"}
	case strings.TrimSpace(j.Mapping.Stock) == "":
		return &ValidationError{Field: "mapping.stock", Msg: "is required"}
	}
	if j.Schedule != "" {
		if _, err := cron.ParseStandard(j.Schedule); err != nil {
			return &ValidationError{Field: "schedule", Msg: err.Error()}
		}
	}
	return nil
}

func (l *Ledger) SaveJob(ctx context.Context, j *db.Job) error {
	if err := ValidateJob(j); err != nil {
		return err
	}
	if _, err := l.GetManufacturer(ctx, j.ManufacturerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &ValidationError{Field: "manufacturer_id", Msg: "unknown manufacturer"}
		}
		return err
	}
	if j.ID == 0 {
		return l.db.WithContext(ctx).Create(j).Error
	}
	// update nie rusza last_status/last_run_at – to cache runów
	res := l.db.WithContext(ctx).Model(&db.Job{ID: j.ID}).
		Select("manufacturer_id", "title", "source_path", "enabled", "mode", "mapping",
			"transforms", "charset", "schedule", "notes", "updated_at").
		Updates(j)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *Ledger) GetJob(ctx context.Context, id uint) (*db.Job, error) {
	var j db.Job
	if err := l.db.WithContext(ctx).Take(&j, id).Error; err != nil {
		return nil, notFound(err, "job")
	}
	return &j, nil
}

// DeleteJob kasuje tylko definicję – runy i logi zostają z wiszącym job_id.
func (l *Ledger) DeleteJob(ctx context.Context, id uint) error {
	res := l.db.WithContext(ctx).Delete(&db.Job{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ScheduledJobs – włączone joby z wyrażeniem cron.
func (l *Ledger) ScheduledJobs(ctx context.Context) ([]db.Job, error) {
	var out []db.Job
	err := l.db.WithContext(ctx).
		Where("enabled = ? AND schedule <> ''", true).
		Order("id").Find(&out).Error
	return out, err
}

func (l *Ledger) ListJobs(ctx context.Context, etaCeiling time.Duration) ([]JobSummary, error) {
	tx := l.db.WithContext(ctx)

	var jobs []db.Job
	if err := tx.Order("id").Find(&jobs).Error; err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return []JobSummary{}, nil
	}

	var mans []db.Manufacturer
	if err := tx.Find(&mans).Error; err != nil {
		return nil, err
	}
	manByID := make(map[uint]db.Manufacturer, len(mans))
	for _, m := range mans {
		manByID[m.ID] = m
	}

	// ostatni run każdego joba
	var runs []db.Run
	if err := tx.Where("id IN (?)",
		tx.Model(&db.Run{}).Select("MAX(id)").Group("job_id"),
	).Find(&runs).Error; err != nil {
		return nil, err
	}
	runByJob := make(map[uint]*db.Run, len(runs))
	runIDs := make([]uint, 0, len(runs))
	for i := range runs {
		runByJob[runs[i].JobID] = &runs[i]
		runIDs = append(runIDs, runs[i].ID)
	}

	progByRun := map[uint]*db.Progress{}
	if len(runIDs) > 0 {
		var rows []struct {
			RunID uint
			db.Progress
		}
		if err := tx.Table("import_progress p").
			Select("u.run_id AS run_id, p.*").
			Joins("JOIN import_uploads u ON u.id = p.upload_id").
			Where("u.run_id IN ?", runIDs).
			Scan(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			p := rows[i].Progress
			progByRun[rows[i].RunID] = &p
		}
	}

	now := l.now()
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		s := JobSummary{Job: j}
		if m, ok := manByID[j.ManufacturerID]; ok {
			s.Manufacturer = m.Name
			s.DataTable = m.DataTable
		}
		if r := runByJob[j.ID]; r != nil {
			s.LatestRun = r
			if p := progByRun[r.ID]; p != nil {
				s.Progress = p
				s.ETASeconds = ETA(now, r.StartedAt, p.Percent, r.Status, etaCeiling)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// touchJob – best-effort cache last_status/last_run_at na jobie.
func touchJob(tx *gorm.DB, jobID uint, status db.RunStatus, at *time.Time) {
	upd := map[string]any{"last_status": status}
	if at != nil {
		upd["last_run_at"] = *at
	}
	_ = tx.Model(&db.Job{}).Where("id = ?", jobID).UpdateColumns(upd).Error
}
