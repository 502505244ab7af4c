// Package strategy zarządza tabelą docelową i wykonuje tryby ładowania
// replace (tabela cień + atomowa podmiana) oraz merge (staging + upsert).
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/loader"
)

const (
	colCode      = "code"
	colUpdatedAt = "updated_at"

	// SchemaVersion tabel docelowych: 2 = eta + updated_at
	SchemaVersion = 2

	maxIdent = 60
)

// ErrCancelled – stop zaobserwowany przed podmianą/upsertem; tabela docelowa nietknięta.
var ErrCancelled = loader.ErrCancelled

// KV – magazyn wersji schematu (control_signals).
type KV interface {
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
}

// LoadFunc ładuje plik pośredni runu do wskazanej tabeli.
type LoadFunc func(ctx context.Context, table string) (*loader.Result, error)

type Target struct {
	Table   string
	RunID   uint
	Columns []string // kolumny kanoniczne zmapowane w jobie, code pierwszy

	Cancelled func(ctx context.Context) bool
	Warn      func(ctx context.Context, msg string, err error)
}

func (t Target) cancelled(ctx context.Context) bool {
	return t.Cancelled != nil && t.Cancelled(ctx)
}

func (t Target) warn(ctx context.Context, msg string, err error) {
	if t.Warn != nil {
		t.Warn(ctx, msg, err)
	}
}

type Outcome struct {
	Load     *loader.Result
	Deduped  int64
	Upserted int64
	Swapped  bool
	Fallback bool // podmiana poszła ścieżką awaryjną
}

type Manager struct {
	db  *gorm.DB
	d   *dialect
	kv  KV
	log zerolog.Logger
}

func New(gdb *gorm.DB, dialectName string, kv KV, log zerolog.Logger) (*Manager, error) {
	d, err := dialectFor(dialectName)
	if err != nil {
		return nil, err
	}
	return &Manager{db: gdb, d: d, kv: kv, log: log}, nil
}

var modes = map[db.LoadMode]func(*Manager, context.Context, Target, LoadFunc) (*Outcome, error){
	db.ModeReplace: (*Manager).replace,
	db.ModeMerge:   (*Manager).merge,
}

// Execute uruchamia tryb joba.
func (m *Manager) Execute(ctx context.Context, mode db.LoadMode, t Target, load LoadFunc) (*Outcome, error) {
	fn, ok := modes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown load mode %q", mode)
	}
	return fn(m, ctx, t, load)
}

func (m *Manager) exec(ctx context.Context, q string) (int64, error) {
	res := m.db.WithContext(ctx).Exec(q)
	return res.RowsAffected, res.Error
}

func (m *Manager) hasTable(ctx context.Context, table string) bool {
	return m.db.WithContext(ctx).Migrator().HasTable(table)
}

// ident skraca prefiks tak, by cała nazwa zmieściła się w limicie identyfikatorów.
func ident(prefix, suffix string) string {
	if len(prefix)+len(suffix) > maxIdent {
		prefix = prefix[:maxIdent-len(suffix)]
	}
	return prefix + suffix
}

func ShadowTable(dest string, runID uint) string {
	return ident(dest, "__shadow_"+strconv.FormatUint(uint64(runID), 10))
}

func oldTable(dest string, runID uint) string {
	return ident(dest, "__old_"+strconv.FormatUint(uint64(runID), 10))
}

func StagingTable(dest string) string { return ident(dest, "_staging") }

func shadowIndex(dest string, runID uint) string {
	return "ux_" + ident(dest, "_"+strconv.FormatUint(uint64(runID), 10)+"_code")
}

func destIndex(dest string) string { return "ux_" + ident(dest, "_code") }

func schemaKey(table string) string { return "schema:" + table }

// EnsureDestination: jednorazowa kontrola wersji schematu istniejącej tabeli,
// z dołożeniem brakujących kolumn. create=true tworzy brakującą tabelę.
func (m *Manager) EnsureDestination(ctx context.Context, table string, create bool) error {
	if !m.hasTable(ctx, table) {
		if !create {
			return nil
		}
		if _, err := m.exec(ctx, m.d.createTable(table)); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		return m.markSchema(ctx, table)
	}

	v, ok, err := m.kv.GetKV(ctx, schemaKey(table))
	if err != nil {
		return err
	}
	if ok && v == strconv.Itoa(SchemaVersion) {
		return nil
	}

	mig := m.db.WithContext(ctx).Migrator()
	for col, def := range map[string]string{"eta": m.d.addETA, colUpdatedAt: m.d.addUpdatedAt} {
		if mig.HasColumn(table, col) {
			continue
		}
		m.log.Info().Str("table", table).Str("column", col).Msg("upgrading destination schema")
		if _, err := m.exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", m.d.quote(table), def)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col, err)
		}
	}
	return m.markSchema(ctx, table)
}

func (m *Manager) markSchema(ctx context.Context, table string) error {
	return m.kv.SetKV(ctx, schemaKey(table), strconv.Itoa(SchemaVersion))
}

// dropQuiet – sprzątanie po przerwanym runie; błąd tylko do logu.
func (m *Manager) dropQuiet(table string) {
	if _, err := m.exec(context.Background(), m.d.dropTable(table)); err != nil {
		m.log.Warn().Err(err).Str("table", table).Msg("drop table failed")
	}
}

func isCancelled(err error) bool { return errors.Is(err, loader.ErrCancelled) }
