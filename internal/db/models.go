// internal/db/models.go
package db

import (
	"time"

	"gorm.io/datatypes"
)

type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusStarted    RunStatus = "started"
	StatusRunning    RunStatus = "running"
	StatusReading    RunStatus = "reading"
	StatusInserting  RunStatus = "inserting"
	StatusCancelling RunStatus = "cancelling"
	StatusImported   RunStatus = "imported"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
)

// TerminalStatuses – po ich ustawieniu run jest zamknięty (finished_at != nil).
var TerminalStatuses = []RunStatus{StatusImported, StatusFailed, StatusCancelled}

func (s RunStatus) Terminal() bool {
	return s == StatusImported || s == StatusFailed || s == StatusCancelled
}

// Active – fazy, w których liczymy ETA.
func (s RunStatus) Active() bool {
	switch s {
	case StatusRunning, StatusReading, StatusInserting:
		return true
	}
	return false
}

type LoadMode string

const (
	ModeReplace LoadMode = "replace"
	ModeMerge   LoadMode = "merge"
)

func (m LoadMode) Valid() bool { return m == ModeReplace || m == ModeMerge }

// ColumnMapping: pole kanoniczne -> dokładny nagłówek w pliku źródłowym
type ColumnMapping struct {
	Code  string `json:"code"`
	EAN   string `json:"ean,omitempty"`
	Name  string `json:"name,omitempty"`
	Stock string `json:"stock"`
	ETA   string `json:"eta,omitempty"`
}

type Transforms struct {
	CodeTrim   bool   `json:"code_trim"`
	CodePrefix string `json:"code_prefix,omitempty"`
	NamePrefix string `json:"name_prefix,omitempty"`
}

// manufacturers – rejestr producent -> tabela danych
type Manufacturer struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `json:"name"`
	Slug      string `gorm:"uniqueIndex;size:64" json:"slug"`
	DataTable string `gorm:"uniqueIndex;size:64" json:"data_table"`
	CreatedAt time.Time
}

// import_jobs
type Job struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	ManufacturerID uint          `gorm:"index" json:"manufacturer_id"`
	Title          string        `json:"title"`
	SourcePath     string        `json:"source_path"`
	Enabled        bool          `json:"enabled"`
	Mode           LoadMode      `gorm:"size:16" json:"mode"`
	Mapping        ColumnMapping `gorm:"serializer:json;type:text" json:"mapping"`
	Transforms     Transforms    `gorm:"serializer:json;type:text" json:"transforms"`
	Charset        string        `gorm:"size:32" json:"charset,omitempty"`
	Schedule       string        `gorm:"size:64" json:"schedule,omitempty"` // wyrażenie cron, puste = tylko ręcznie
	Notes          string        `gorm:"type:text" json:"notes,omitempty"`
	LastStatus     RunStatus     `gorm:"size:16" json:"last_status,omitempty"`
	LastRunAt      *time.Time    `json:"last_run_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (Job) TableName() string { return "import_jobs" }

// import_runs
type Run struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	JobID        uint           `gorm:"index" json:"job_id"`
	Status       RunStatus      `gorm:"size:16;index" json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at"`
	ErrorMessage *string        `gorm:"type:text" json:"error_message"`
	Stats        datatypes.JSON `json:"stats,omitempty"`
}

func (Run) TableName() string { return "import_runs" }

// import_uploads – snapshot pliku źródłowego dla runu
type Upload struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	RunID      uint   `gorm:"index" json:"run_id"`
	SourcePath string `json:"source_path"`
	StoredPath string `json:"stored_path"`
	Format     string `gorm:"size:16" json:"format"`
	SizeBytes  int64  `json:"size_bytes"`
	Checksum   string `gorm:"size:32" json:"checksum,omitempty"`
	CreatedAt  time.Time
}

func (Upload) TableName() string { return "import_uploads" }

// import_progress – jeden wiersz na upload
type Progress struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UploadID  uint      `gorm:"uniqueIndex" json:"upload_id"`
	RowsTotal int64     `json:"rows_total"`
	RowsDone  int64     `json:"rows_done"`
	Percent   float64   `json:"percent"`
	Status    RunStatus `gorm:"size:16" json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Progress) TableName() string { return "import_progress" }

// import_logs – append-only
type LogEntry struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"ts"`
	JobID     uint           `gorm:"index" json:"job_id"`
	RunID     uint           `gorm:"index" json:"run_id"`
	Level     string         `gorm:"size:8" json:"level"`
	Phase     string         `gorm:"size:32" json:"phase"`
	Message   string         `gorm:"type:text" json:"message"`
	Meta      datatypes.JSON `json:"meta,omitempty"`
}

func (LogEntry) TableName() string { return "import_logs" }

// control_signals – klucz/wartość (stop_all_at, schema:<tabela>)
type KV struct {
	K         string `gorm:"primaryKey;size:128"`
	V         string
	UpdatedAt time.Time
}

func (KV) TableName() string { return "control_signals" }

// import_locks – dzierżawy tabel docelowych dzielone przez procesy na jednej bazie
type TableLock struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Token     string    `gorm:"size:36"`
	ExpiresAt time.Time `gorm:"index"`
}

func (TableLock) TableName() string { return "import_locks" }
