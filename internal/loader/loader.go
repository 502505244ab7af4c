// Package loader ładuje plik pośredni do wskazanej tabeli: natywnie
// (LOAD DATA / COPY) albo paczkami w transakcjach.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	conf "github.com/bartek5186/stockimport/internal/config"
	"github.com/bartek5186/stockimport/internal/normalize"
)

var (
	// ErrBulkUnavailable – ścieżka natywna niedostępna/wyłączona; wołający przechodzi na paczki.
	ErrBulkUnavailable = errors.New("native bulk load unavailable")
	// ErrCancelled – zatrzymanie zaobserwowane na granicy paczki; zatwierdzone paczki zostają.
	ErrCancelled = errors.New("load cancelled")
)

const (
	PathNative  = "native"
	PathBatched = "batched"
)

// Hooks – wywołania zwrotne od workera; każde może być nil.
type Hooks struct {
	// OnProgress po każdej paczce (i raz po ścieżce natywnej) z łączną liczbą wierszy
	OnProgress func(ctx context.Context, rowsDone int64)
	// OnChunk – wpis do logu runu o zakończonej paczce
	OnChunk func(ctx context.Context, batch int, rows int, took time.Duration)
	// Cancelled sprawdzane po commicie każdej paczki
	Cancelled func(ctx context.Context) bool
	// OnFallback – ścieżka natywna odrzucona (warning, nie błąd)
	OnFallback func(ctx context.Context, reason error)
}

type Loader struct {
	db            *gorm.DB
	dialect       string
	batchSize     int
	nativeEnabled bool
	log           zerolog.Logger
}

type Options struct {
	BatchSize     int
	NativeEnabled bool
}

func New(gdb *gorm.DB, dialect string, opt Options, log zerolog.Logger) *Loader {
	return &Loader{
		db:            gdb,
		dialect:       dialect,
		batchSize:     conf.ClampBatchSize(opt.BatchSize),
		nativeEnabled: opt.NativeEnabled,
		log:           log,
	}
}

func (l *Loader) BatchSize() int { return l.batchSize }

type Result struct {
	Rows    int64
	Path    string
	Batches int
}

// Load wstawia wiersze z pliku pośredniego do table.
func (l *Loader) Load(ctx context.Context, path, table string, hooks Hooks) (*Result, error) {
	if l.nativeEnabled {
		if fn, ok := natives[l.dialect]; ok {
			n, err := fn(ctx, l.db, path, table)
			switch {
			case err == nil:
				if hooks.OnProgress != nil {
					hooks.OnProgress(ctx, n)
				}
				return &Result{Rows: n, Path: PathNative}, nil
			case errors.Is(err, ErrBulkUnavailable):
				l.log.Warn().Err(err).Str("table", table).Msg("native bulk load unavailable, falling back to batches")
				if hooks.OnFallback != nil {
					hooks.OnFallback(ctx, err)
				}
			default:
				return nil, fmt.Errorf("native bulk load into %s: %w", table, err)
			}
		}
	}
	return l.batched(ctx, path, table, hooks)
}

// batched: jedna transakcja na paczkę; po commicie postęp, log, kontrola stopu.
func (l *Loader) batched(ctx context.Context, path, table string, hooks Hooks) (*Result, error) {
	in, err := normalize.OpenIntermediate(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	cols := in.Columns()
	res := &Result{Path: PathBatched}
	batch := make([]map[string]any, 0, l.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		start := time.Now()
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Table(table).Create(&batch).Error
		})
		if err != nil {
			return fmt.Errorf("insert batch %d into %s: %w", res.Batches+1, table, err)
		}
		res.Batches++
		res.Rows += int64(len(batch))
		if hooks.OnProgress != nil {
			hooks.OnProgress(ctx, res.Rows)
		}
		if hooks.OnChunk != nil {
			hooks.OnChunk(ctx, res.Batches, len(batch), time.Since(start))
		}
		batch = batch[:0]
		if hooks.Cancelled != nil && hooks.Cancelled(ctx) {
			return ErrCancelled
		}
		return nil
	}

	for {
		row, err := in.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}
		rec := make(map[string]any, len(cols))
		for i, v := range row.Values(in.HasETA()) {
			rec[cols[i]] = v
		}
		batch = append(batch, rec)
		if len(batch) >= l.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}
