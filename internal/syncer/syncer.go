// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	conf "github.com/bartek5186/stockimport/internal/config"
	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/engine"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobSource – skąd scheduler bierze joby z wyrażeniem cron (ledger).
type JobSource interface {
	ScheduledJobs(ctx context.Context) ([]db.Job, error)
}

// Triggerer – kto faktycznie odpala run (engine).
type Triggerer interface {
	Trigger(ctx context.Context, jobID uint) (*engine.TriggerResult, error)
}

// wpis crona przypięty do joba; wyrażenie trzymamy, żeby wykryć zmianę harmonogramu
type scheduled struct {
	entry cron.EntryID
	spec  string
}

type Syncer struct {
	log     zerolog.Logger // logowanie
	src     JobSource
	trig    Triggerer
	mu      sync.Mutex   // ochrona sekcji krytycznych
	cfg     *conf.Config // aktualna konfiguracja
	running bool         // czy scheduler działa
	cron    *cron.Cron
	reload  cron.EntryID
	jobs    map[uint]scheduled
	fired   uint64 // licznik odpaleń
}

func New(log zerolog.Logger, cfg *conf.Config, src JobSource, trig Triggerer) *Syncer {
	return &Syncer{
		log:  log.With().Str("component", "scheduler").Logger(),
		cfg:  cfg,
		src:  src,
		trig: trig,
		jobs: map[uint]scheduled{},
	}
}

func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	cl := cronLogger{s.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	every := s.reloadEveryLocked()
	id, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if err := s.Reload(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("scheduler: reload failed")
		}
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.cron = c
	s.reload = id
	s.jobs = map[uint]scheduled{}
	s.running = true
	s.mu.Unlock()

	// pierwszy odczyt jobów od razu, nie czekamy na tick
	if err := s.Reload(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduler: initial reload failed")
	}
	c.Start()
	s.log.Info().Dur("reload_every", every).Msg("scheduler: start")
	return nil
}

func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.cron = nil
	s.jobs = map[uint]scheduled{}
	s.mu.Unlock()

	// czekamy aż odpalone w tej chwili triggery się skończą
	<-c.Stop().Done()
	s.log.Info().Msg("scheduler: stop")
}

func (s *Syncer) UpdateConfig(cfg *conf.Config) {
	s.mu.Lock()
	s.cfg = cfg
	isRunning := s.running
	s.mu.Unlock()

	s.log.Info().Msg("scheduler: config updated")

	if isRunning {
		// restart, żeby wziąć nowy interwał przeładowania
		s.Stop()
		if err := s.Start(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("scheduler: restart failed")
		}
	}
}

func (s *Syncer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reload synchronizuje wpisy crona z jobami w bazie: dochodzą nowe,
// zmieniony harmonogram jest przepinany, wyłączone/usunięte znikają.
func (s *Syncer) Reload(ctx context.Context) error {
	jobs, err := s.src.ScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduled jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	seen := make(map[uint]struct{}, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = struct{}{}
		cur, ok := s.jobs[j.ID]
		if ok && cur.spec == j.Schedule {
			continue
		}
		if ok {
			s.cron.Remove(cur.entry)
			delete(s.jobs, j.ID)
		}
		jobID := j.ID
		id, err := s.cron.AddFunc(j.Schedule, func() { s.fire(jobID) })
		if err != nil {
			// walidacja joba powinna to złapać; stary wpis z bazy sprzed walidacji
			s.log.Warn().Err(err).Uint("job_id", j.ID).Str("schedule", j.Schedule).Msg("scheduler: invalid schedule, skipping")
			continue
		}
		s.jobs[j.ID] = scheduled{entry: id, spec: j.Schedule}
		s.log.Info().Uint("job_id", j.ID).Str("schedule", j.Schedule).Msg("scheduler: job scheduled")
	}
	for id, cur := range s.jobs {
		if _, ok := seen[id]; ok {
			continue
		}
		s.cron.Remove(cur.entry)
		delete(s.jobs, id)
		s.log.Info().Uint("job_id", id).Msg("scheduler: job unscheduled")
	}
	return nil
}

// Scheduled zwraca id jobów z aktywnym wpisem i czas ich najbliższego odpalenia.
func (s *Syncer) Scheduled() map[uint]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint]time.Time, len(s.jobs))
	if s.cron == nil {
		return out
	}
	for id, cur := range s.jobs {
		out[id] = s.cron.Entry(cur.entry).Next
	}
	return out
}

func (s *Syncer) Fired() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *Syncer) fire(jobID uint) {
	s.mu.Lock()
	s.fired++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := s.trig.Trigger(ctx, jobID)
	switch {
	case err == nil:
		s.log.Info().Uint("job_id", jobID).Uint("run_id", res.RunID).Msg("scheduler: run triggered")
	case engine.IsBusy(err):
		s.log.Warn().Uint("job_id", jobID).Msg("scheduler: busy, previous run still in progress")
	case engine.IsStopped(err):
		s.log.Info().Uint("job_id", jobID).Msg("scheduler: stop-all active, skipping")
	case errors.Is(err, engine.ErrJobDisabled):
		s.log.Info().Uint("job_id", jobID).Msg("scheduler: job disabled, skipping")
	default:
		s.log.Error().Err(err).Uint("job_id", jobID).Msg("scheduler: trigger failed")
	}
}

func (s *Syncer) reloadEveryLocked() time.Duration {
	if s.cfg != nil && s.cfg.Scheduler.ReloadSeconds > 0 {
		return time.Duration(s.cfg.Scheduler.ReloadSeconds) * time.Second
	}
	return time.Minute
}

// cronLogger przepina logi robfig/cron na zerolog; Info crona to szum, idzie na debug.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg("cron: " + msg)
}
