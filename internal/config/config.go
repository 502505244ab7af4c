// internal/config/config.go
package conf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Główny config aplikacji
type Config struct {
	DB DBConfig `json:"db"`

	ImportRoot string `json:"import_root"` // względne ścieżki jobów liczone od tego katalogu
	StorageDir string `json:"storage_dir"` // snapshoty uploadów + pliki pośrednie

	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`

	BatchSize             int  `json:"batch_size"`
	ProgressThresholdRows int  `json:"progress_threshold_rows"`
	HeartbeatSeconds      int  `json:"heartbeat_seconds"`
	BulkLoadDisabled      bool `json:"bulk_load_disabled"`

	FallbackCharset   string `json:"fallback_charset,omitempty"` // np. windows-1250, puste = UTF-8
	ETACeilingSeconds int64  `json:"eta_ceiling_seconds"`

	Lock      LockConfig      `json:"lock"`
	HTTP      HTTPConfig      `json:"http"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type DBConfig struct {
	Dialect string `json:"dialect"` // sqlite | sqlite-cgo | mysql | postgres
	DSN     string `json:"dsn"`
}

type LockConfig struct {
	Backend    string `json:"backend"` // auto | memory | table | sql | redis
	RedisAddr  string `json:"redis_addr,omitempty"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type SchedulerConfig struct {
	AutoStart     bool `json:"auto_start"`
	ReloadSeconds int  `json:"reload_seconds"` // co ile scheduler odświeża listę jobów z cronem
}

const (
	MinBatchSize     = 100
	MaxBatchSize     = 5000
	DefaultBatchSize = 1000
)

// Default zwraca konfigurację zapisywaną przy pierwszym uruchomieniu.
func Default(appDir string) *Config {
	return &Config{
		DB: DBConfig{
			Dialect: "sqlite",
			DSN:     filepath.Join(appDir, "stockimport.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		},
		ImportRoot:            filepath.Join(appDir, "imports"),
		StorageDir:            filepath.Join(appDir, "storage"),
		Workers:               2,
		QueueSize:             32,
		BatchSize:             DefaultBatchSize,
		ProgressThresholdRows: 1000,
		HeartbeatSeconds:      2,
		ETACeilingSeconds:     7 * 24 * 3600,
		Lock:                  LockConfig{Backend: "auto", TTLSeconds: 6 * 3600},
		HTTP:                  HTTPConfig{Addr: "127.0.0.1:8088"},
		Scheduler:             SchedulerConfig{AutoStart: true, ReloadSeconds: 60},
	}
}

func LoadOrCreate(path string) (*Config, bool, error) {
	// upewnij się, że katalog istnieje
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default(filepath.Dir(path))
			if err := Save(path, cfg); err != nil {
				return nil, false, fmt.Errorf("błąd zapisu domyślnego configa: %w", err)
			}
			return cfg, true, nil
		}
		return nil, false, fmt.Errorf("błąd otwierania configa: %w", err)
	}
	defer f.Close()

	cfg := Default(filepath.Dir(path))
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, false, fmt.Errorf("błąd parsowania configa: %w", err)
	}
	cfg.Normalize()
	return cfg, false, nil
}

func Save(path string, cfg *Config) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// Normalize przycina wartości spoza zakresu zamiast odrzucać config.
func (c *Config) Normalize() {
	c.DB.Dialect = strings.ToLower(strings.TrimSpace(c.DB.Dialect))
	if c.DB.Dialect == "" {
		c.DB.Dialect = "sqlite"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	c.BatchSize = ClampBatchSize(c.BatchSize)
	if c.ProgressThresholdRows <= 0 {
		c.ProgressThresholdRows = 1000
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 2
	}
	if c.ETACeilingSeconds <= 0 {
		c.ETACeilingSeconds = 7 * 24 * 3600
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = "auto"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 6 * 3600
	}
	if c.Scheduler.ReloadSeconds <= 0 {
		c.Scheduler.ReloadSeconds = 60
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8088"
	}
	c.ImportRoot = ExpandHome(c.ImportRoot)
	c.StorageDir = ExpandHome(c.StorageDir)
}

func ClampBatchSize(n int) int {
	switch {
	case n <= 0:
		return DefaultBatchSize
	case n < MinBatchSize:
		return MinBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	}
	return n
}

func ExpandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
