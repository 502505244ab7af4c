package db

import (
	"fmt"
)

// Migrate tworzy/aktualizuje schemat ledgera (joby, runy, uploady, progress, logi, sygnały, blokady).
// Tabele danych producentów nie są tu migrowane – patrz strategy.EnsureDestination.
func (h *Handle) Migrate() error {
	gdb := h.DB

	if err := gdb.AutoMigrate(
		&Manufacturer{},
		&Job{},
		&Run{},
		&Upload{},
		&Progress{},
		&LogEntry{},
		&KV{},
		&TableLock{},
	); err != nil {
		return fmt.Errorf("AutoMigrate error: %w", err)
	}

	// tail logów idzie po (run_id, id) – indeks złożony poza tagami modelu
	if !gdb.Migrator().HasIndex(&LogEntry{}, "idx_import_logs_run_cursor") {
		if err := gdb.Exec(`CREATE INDEX idx_import_logs_run_cursor ON import_logs(run_id, id)`).Error; err != nil {
			return fmt.Errorf("create index idx_import_logs_run_cursor: %w", err)
		}
	}

	return nil
}
