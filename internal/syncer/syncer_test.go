package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conf "github.com/bartek5186/stockimport/internal/config"
	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/engine"
	"github.com/bartek5186/stockimport/internal/lock"
)

type fakeSource struct {
	mu   sync.Mutex
	jobs []db.Job
	err  error
}

func (f *fakeSource) ScheduledJobs(context.Context) ([]db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.Job(nil), f.jobs...), f.err
}

func (f *fakeSource) set(jobs ...db.Job) {
	f.mu.Lock()
	f.jobs = jobs
	f.mu.Unlock()
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls []uint
	err   error
}

func (f *fakeTrigger) Trigger(_ context.Context, jobID uint) (*engine.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	if f.err != nil {
		return nil, f.err
	}
	return &engine.TriggerResult{RunID: uint(len(f.calls))}, nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// syncBuffer – bytes.Buffer bezpieczny dla logów z goroutyn crona.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func job(id uint, spec string) db.Job {
	return db.Job{ID: id, Enabled: true, Schedule: spec}
}

func newSyncer(t *testing.T, src JobSource, trig Triggerer, out *syncBuffer) *Syncer {
	t.Helper()
	log := zerolog.Nop()
	if out != nil {
		log = zerolog.New(out)
	}
	cfg := conf.Default(t.TempDir())
	s := New(log, cfg, src, trig)
	t.Cleanup(s.Stop)
	return s
}

func TestStartStopIsIdempotent(t *testing.T) {
	s := newSyncer(t, &fakeSource{}, &fakeTrigger{}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestReloadTracksScheduleChanges(t *testing.T) {
	src := &fakeSource{}
	src.set(job(1, "0 3 * * *"), job(2, "*/15 * * * *"))
	s := newSyncer(t, src, &fakeTrigger{}, nil)
	require.NoError(t, s.Start(context.Background()))

	got := s.Scheduled()
	require.Len(t, got, 2)
	assert.Contains(t, got, uint(1))
	assert.Contains(t, got, uint(2))

	before := s.jobs[1].entry
	src.set(job(1, "30 4 * * *"))
	require.NoError(t, s.Reload(context.Background()))

	got = s.Scheduled()
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[1].Hour())
	assert.Equal(t, 30, got[1].Minute())
	assert.NotEqual(t, before, s.jobs[1].entry)
}

func TestReloadSkipsInvalidSchedule(t *testing.T) {
	src := &fakeSource{}
	src.set(job(1, "not a cron"), job(2, "@hourly"))
	out := &syncBuffer{}
	s := newSyncer(t, src, &fakeTrigger{}, out)
	require.NoError(t, s.Start(context.Background()))

	got := s.Scheduled()
	assert.Len(t, got, 1)
	assert.Contains(t, got, uint(2))
	assert.Contains(t, out.String(), "invalid schedule")
}

func TestReloadErrorIsReturned(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	s := newSyncer(t, src, &fakeTrigger{}, nil)
	require.NoError(t, s.Start(context.Background()))

	err := s.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestReloadWhenStoppedIsNoop(t *testing.T) {
	src := &fakeSource{}
	src.set(job(1, "@daily"))
	s := newSyncer(t, src, &fakeTrigger{}, nil)

	require.NoError(t, s.Reload(context.Background()))
	assert.Empty(t, s.Scheduled())
}

func TestScheduledJobFiresTrigger(t *testing.T) {
	src := &fakeSource{}
	src.set(job(7, "@every 1s"))
	trig := &fakeTrigger{}
	s := newSyncer(t, src, trig, nil)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return trig.count() > 0 }, 5*time.Second, 50*time.Millisecond)
	trig.mu.Lock()
	assert.Equal(t, uint(7), trig.calls[0])
	trig.mu.Unlock()
	assert.GreaterOrEqual(t, s.Fired(), uint64(1))
}

func TestBusyRejectionIsLoggedAsWarning(t *testing.T) {
	src := &fakeSource{}
	src.set(job(3, "@every 1s"))
	trig := &fakeTrigger{err: fmt.Errorf("job 3: %w", lock.ErrBusy)}
	out := &syncBuffer{}
	s := newSyncer(t, src, trig, out)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return trig.count() > 0 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte(`"level":"warn"`))
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "busy")
}

func TestUpdateConfigRestartsWhenRunning(t *testing.T) {
	src := &fakeSource{}
	src.set(job(1, "@daily"))
	s := newSyncer(t, src, &fakeTrigger{}, nil)
	require.NoError(t, s.Start(context.Background()))

	cfg := conf.Default(t.TempDir())
	cfg.Scheduler.ReloadSeconds = 5
	s.UpdateConfig(cfg)

	assert.True(t, s.IsRunning())
	assert.Equal(t, 5*time.Second, s.reloadEveryLocked())
	assert.Len(t, s.Scheduled(), 1)
}
