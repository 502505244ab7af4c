package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/bartek5186/stockimport/internal/api"
	conf "github.com/bartek5186/stockimport/internal/config"
	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/engine"
	"github.com/bartek5186/stockimport/internal/ledger"
	"github.com/bartek5186/stockimport/internal/loader"
	"github.com/bartek5186/stockimport/internal/lock"
	"github.com/bartek5186/stockimport/internal/logs"
	"github.com/bartek5186/stockimport/internal/metrics"
	"github.com/bartek5186/stockimport/internal/strategy"
	"github.com/bartek5186/stockimport/internal/syncer"
)

// wersję możesz nadpisać przez: -ldflags "-X 'main.ver=1.0.1'"
var ver = "1.0.0"

const appName = "stockimport"

// App – wszystko, co wspólne dla CLI i traya.
type App struct {
	Dir     string
	CfgPath string
	LogPath string
	Cfg     *conf.Config
	Log     zerolog.Logger

	DB     *db.Handle
	Ledger *ledger.Ledger
	Engine *engine.Engine
	Syncer *syncer.Syncer
	HTTP   *api.Server
}

// newApp: config -> logi -> baza + migracje -> engine. Niczego jeszcze nie uruchamia.
func newApp(dir string, withConsole bool) (*App, error) {
	if dir == "" {
		dir = mustAppDataDir(appName)
	}
	a := &App{
		Dir:     dir,
		CfgPath: filepath.Join(dir, "config.json"),
		LogPath: filepath.Join(dir, "app.log"),
	}
	a.Log = logs.New(a.LogPath, withConsole)

	cfg, firstRun, err := conf.LoadOrCreate(a.CfgPath)
	if err != nil {
		return nil, err
	}
	if firstRun {
		a.Log.Info().Msgf("Utworzono domyślną konfigurację: %s", a.CfgPath)
	}
	a.Cfg = cfg

	for _, d := range []string{cfg.ImportRoot, cfg.StorageDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("katalog %s: %w", d, err)
		}
	}

	dbh, err := db.Open(cfg.DB.Dialect, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("DB open: %w", err)
	}
	if err := dbh.Migrate(); err != nil {
		_ = dbh.Close()
		return nil, fmt.Errorf("DB migrate: %w", err)
	}
	a.DB = dbh
	a.Log.Info().Str("dialect", dbh.Dialect).Msg("DB ready")

	if err := a.buildEngine(); err != nil {
		_ = dbh.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildEngine() error {
	cfg := a.Cfg
	a.Ledger = ledger.New(a.DB.DB)

	locks, err := lock.New(lock.Options{
		Backend:   cfg.Lock.Backend,
		Dialect:   a.DB.Dialect,
		RedisAddr: cfg.Lock.RedisAddr,
		TTL:       time.Duration(cfg.Lock.TTLSeconds) * time.Second,
	}, a.DB.DB)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	strat, err := strategy.New(a.DB.DB, a.DB.Dialect, a.Ledger, a.Log)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	ld := loader.New(a.DB.DB, a.DB.Dialect, loader.Options{
		BatchSize:     cfg.BatchSize,
		NativeEnabled: !cfg.BulkLoadDisabled,
	}, a.Log)

	a.Engine = engine.New(engine.Deps{
		Ledger:   a.Ledger,
		Locks:    locks,
		Strategy: strat,
		Loader:   ld,
		Metrics:  metrics.New(),
		Log:      a.Log,
	}, engine.OptionsFromConfig(cfg))

	a.Syncer = syncer.New(a.Log, cfg, a.Ledger, a.Engine)
	return nil
}

// Start: crash guard, pula workerów, opcjonalnie HTTP API i scheduler.
// Zwraca kanał błędów serwera HTTP (nil, gdy withHTTP=false).
func (a *App) Start(ctx context.Context, withHTTP bool) (<-chan error, error) {
	if ids, err := a.Engine.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	} else if len(ids) > 0 {
		a.Log.Warn().Interface("runs", ids).Msg("runy po poprzednim procesie oznaczone jako failed")
	}
	a.StartWorkers(ctx)

	var errCh <-chan error
	if withHTTP {
		a.HTTP = api.NewServer(a.Cfg.HTTP.Addr, api.Deps{Engine: a.Engine, Scheduler: a.Syncer, Log: a.Log})
		errCh = a.HTTP.StartAsync()
	}

	if a.Cfg.Scheduler.AutoStart {
		if err := a.Syncer.Start(ctx); err != nil {
			a.Log.Error().Msgf("AutoStart nieudany: %v", err)
		} else {
			a.Log.Info().Msgf("StockImport %s: scheduler działa", ver)
		}
	}
	return errCh, nil
}

// StartWorkers – sama pula, bez crash guarda: dla `run --local` obok działającego serwera,
// który ma swoje otwarte runy.
func (a *App) StartWorkers(ctx context.Context) {
	a.Engine.Start(ctx)
}

// ReloadConfig wczytuje config.json ponownie; zmiany puli/bazy wymagają restartu,
// scheduler przejmuje nowe ustawienia od razu.
func (a *App) ReloadConfig() error {
	cfg, _, err := conf.LoadOrCreate(a.CfgPath)
	if err != nil {
		return err
	}
	a.Cfg = cfg
	a.Syncer.UpdateConfig(cfg)
	a.Log.Info().Msg("Konfiguracja przeładowana")
	return nil
}

// Close: scheduler -> HTTP -> workery -> baza.
func (a *App) Close() {
	a.Syncer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if a.HTTP != nil {
		if err := a.HTTP.Shutdown(ctx); err != nil {
			a.Log.Error().Err(err).Msg("HTTP shutdown")
		}
	}
	if err := a.Engine.Shutdown(ctx); err != nil {
		a.Log.Error().Err(err).Msg("engine shutdown")
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Error().Err(err).Msg("DB close")
	}
}

func mustAppDataDir(name string) string {
	base, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	p := filepath.Join(base, name)
	_ = os.MkdirAll(p, 0o755)
	return p
}
