package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/db/dbtest"
	"github.com/bartek5186/stockimport/internal/ledger"
	"github.com/bartek5186/stockimport/internal/loader"
	"github.com/bartek5186/stockimport/internal/lock"
	"github.com/bartek5186/stockimport/internal/metrics"
	"github.com/bartek5186/stockimport/internal/strategy"
)

type env struct {
	t    *testing.T
	gdb  *gorm.DB
	led  *ledger.Ledger
	eng  *Engine
	root string
}

func newEnv(t *testing.T, workers, queue int) *env {
	t.Helper()
	h := dbtest.New(t)
	led := ledger.New(h.DB)
	log := zerolog.Nop()
	strat, err := strategy.New(h.DB, "sqlite", led, log)
	require.NoError(t, err)

	root := t.TempDir()
	eng := New(Deps{
		Ledger:   led,
		Locks:    lock.NewMemory(),
		Strategy: strat,
		Loader:   loader.New(h.DB, "sqlite", loader.Options{BatchSize: 100}, log),
		Metrics:  metrics.New(),
		Log:      log,
	}, Options{
		ImportRoot:        root,
		StorageDir:        filepath.Join(t.TempDir(), "storage"),
		Workers:           workers,
		QueueSize:         queue,
		ProgressThreshold: 50,
		Heartbeat:         time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &env{t: t, gdb: h.DB, led: led, eng: eng, root: root}
}

func (e *env) file(name, body string) {
	e.t.Helper()
	require.NoError(e.t, os.WriteFile(filepath.Join(e.root, name), []byte(body), 0o644))
}

func (e *env) manufacturer(name string) *db.Manufacturer {
	e.t.Helper()
	m := &db.Manufacturer{Name: name}
	require.NoError(e.t, e.led.SaveManufacturer(context.Background(), m))
	return m
}

func (e *env) job(m *db.Manufacturer, source string, mode db.LoadMode, mapping db.ColumnMapping) *db.Job {
	e.t.Helper()
	j := &db.Job{
		ManufacturerID: m.ID,
		Title:          "stany " + source,
		SourcePath:     source,
		Enabled:        true,
		Mode:           mode,
		Mapping:        mapping,
	}
	require.NoError(e.t, e.led.SaveJob(context.Background(), j))
	return j
}

func (e *env) wait(runID uint) *ledger.RunView {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := e.eng.WaitRun(ctx, runID, 10*time.Millisecond, nil)
	require.NoError(e.t, err)
	return v
}

func (e *env) count(table string) int64 {
	e.t.Helper()
	var n int64
	require.NoError(e.t, e.gdb.Table(table).Count(&n).Error)
	return n
}

func bigCSV(n int) string {
	var b strings.Builder
	b.WriteString("SKU,Qty\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "P%05d,1\n", i)
	}
	return b.String()
}

// triggerEventually – blokada poprzedniego runu zwalniana jest tuż po zapisie
// stanu terminalnego, więc ponawiamy chwilę na ErrBusy.
func (e *env) triggerEventually(jobID uint) *TriggerResult {
	e.t.Helper()
	var (
		res *TriggerResult
		err error
	)
	require.Eventually(e.t, func() bool {
		res, err = e.eng.Trigger(context.Background(), jobID)
		return !IsBusy(err)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(e.t, err)
	return res
}

// gate wstrzymuje workery w afterRead, dopóki jest zamknięty.
type gate struct {
	on      atomic.Bool
	reached chan uint
	open    chan struct{}
}

func (e *env) installGate() *gate {
	g := &gate{reached: make(chan uint, 8), open: make(chan struct{})}
	g.on.Store(true)
	e.eng.hooks.afterRead = func(rc *RunContext) {
		if g.on.Load() {
			g.reached <- rc.RunID
			<-g.open
		}
	}
	return g
}

func (g *gate) release() {
	g.on.Store(false)
	close(g.open)
}

var skuQty = db.ColumnMapping{Code: "SKU", Stock: "Qty"}

func TestScenarioA_ReplaceImportsAndClampsNegativeStock(t *testing.T) {
	e := newEnv(t, 1, 4)
	e.file("a.csv", "SKU,Qty\nA1,10\nA2,0\nA3,-3\n")
	m := e.manufacturer("Acme")
	j := e.job(m, "a.csv", db.ModeReplace, skuQty)
	e.eng.Start(context.Background())

	res, err := e.eng.Trigger(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "stock_acme", res.Table)
	assert.NotZero(t, res.UploadID)

	v := e.wait(res.RunID)
	require.Equal(t, db.StatusImported, v.Run.Status, "%v", v.Run.ErrorMessage)
	require.NotNil(t, v.Run.FinishedAt)
	require.NotNil(t, v.Progress)
	assert.Equal(t, 100.0, v.Progress.Percent)
	assert.Equal(t, int64(3), v.Progress.RowsDone)

	assert.Equal(t, int64(3), e.count("stock_acme"))
	var stock int64
	require.NoError(t, e.gdb.Table("stock_acme").Select("stock").Where("code = ?", "A3").Scan(&stock).Error)
	assert.Equal(t, int64(0), stock)

	up, err := e.led.GetUploadForRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, up.StoredPath)
	assert.Len(t, up.Checksum, 32)
	assert.Equal(t, filepath.Join(e.root, "a.csv"), up.SourcePath)

	job, err := e.led.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusImported, job.LastStatus)
	assert.Eventually(t, func() bool { return len(e.eng.ActiveRuns()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestScenarioB_MissingHeaderFailsWithoutTouchingDestination(t *testing.T) {
	e := newEnv(t, 1, 4)
	e.file("b.csv", "SKU,Quantity\nA1,10\n")
	m := e.manufacturer("Beta")
	j := e.job(m, "b.csv", db.ModeReplace, skuQty)
	e.eng.Start(context.Background())

	res, err := e.eng.Trigger(context.Background(), j.ID)
	require.NoError(t, err)
	v := e.wait(res.RunID)

	require.Equal(t, db.StatusFailed, v.Run.Status)
	require.NotNil(t, v.Run.ErrorMessage)
	assert.Contains(t, *v.Run.ErrorMessage, `"Qty"`)
	assert.False(t, e.gdb.Migrator().HasTable(m.DataTable))

	page, err := e.led.Tail(context.Background(), ledger.TailQuery{RunID: res.RunID})
	require.NoError(t, err)
	var sawError bool
	for _, le := range page.Entries {
		if le.Level == "error" {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestScenarioC_StopAllCancelsRunningJobsUntilCleared(t *testing.T) {
	e := newEnv(t, 2, 4)
	e.file("c1.csv", "SKU,Qty\nA,1\n")
	e.file("c2.csv", "SKU,Qty\nB,2\n")
	j1 := e.job(e.manufacturer("Gamma"), "c1.csv", db.ModeReplace, skuQty)
	j2 := e.job(e.manufacturer("Delta"), "c2.csv", db.ModeMerge, skuQty)

	g := e.installGate()
	e.eng.Start(context.Background())
	ctx := context.Background()

	r1, err := e.eng.Trigger(ctx, j1.ID)
	require.NoError(t, err)
	r2, err := e.eng.Trigger(ctx, j2.ID)
	require.NoError(t, err)
	<-g.reached
	<-g.reached

	ids, err := e.eng.StopAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{r1.RunID, r2.RunID}, ids)

	for _, id := range ids {
		run, err := e.led.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, db.StatusCancelled, run.Status)
		assert.NotNil(t, run.FinishedAt)
	}

	_, err = e.eng.Trigger(ctx, j1.ID)
	assert.ErrorIs(t, err, ErrStopped)

	g.release()
	assert.Equal(t, db.StatusCancelled, e.wait(r1.RunID).Run.Status)
	assert.Equal(t, db.StatusCancelled, e.wait(r2.RunID).Run.Status)

	at, err := e.led.StopAllAt(ctx)
	require.NoError(t, err)
	assert.NotNil(t, at, "stop pulse must stay until cleared")

	require.NoError(t, e.eng.ClearStop(ctx))
	r3 := e.triggerEventually(j1.ID)
	assert.Equal(t, db.StatusImported, e.wait(r3.RunID).Run.Status)
}

func TestMutualExclusion_SameTableIsBusy(t *testing.T) {
	e := newEnv(t, 2, 4)
	e.file("m1.csv", "SKU,Qty\nA,1\n")
	e.file("m2.csv", "SKU,Qty\nB,1\n")
	m := e.manufacturer("Shared")
	j1 := e.job(m, "m1.csv", db.ModeReplace, skuQty)
	j2 := e.job(m, "m2.csv", db.ModeMerge, skuQty)

	g := e.installGate()
	e.eng.Start(context.Background())
	ctx := context.Background()

	r1, err := e.eng.Trigger(ctx, j1.ID)
	require.NoError(t, err)
	<-g.reached

	_, err = e.eng.Trigger(ctx, j2.ID)
	require.ErrorIs(t, err, lock.ErrBusy)
	assert.True(t, IsBusy(err))

	var runs int64
	require.NoError(t, e.gdb.Model(&db.Run{}).Where("job_id = ?", j2.ID).Count(&runs).Error)
	assert.Zero(t, runs, "busy rejection must not leave a run behind")

	g.release()
	assert.Equal(t, db.StatusImported, e.wait(r1.RunID).Run.Status)

	r2 := e.triggerEventually(j2.ID)
	assert.Equal(t, db.StatusImported, e.wait(r2.RunID).Run.Status)
	assert.Equal(t, int64(2), e.count(m.DataTable))
}

func TestTargetedStopMidLoadKeepsDestination(t *testing.T) {
	e := newEnv(t, 1, 4)
	e.file("s.csv", bigCSV(350))
	e.file("keep.csv", "SKU,Qty\nKEEP,1\n")
	m := e.manufacturer("Sigma")
	keep := e.job(m, "keep.csv", db.ModeReplace, skuQty)
	big := e.job(m, "s.csv", db.ModeReplace, skuQty)
	e.eng.hooks.afterBatch = func(rc *RunContext, batch int) {
		if rc.JobID == big.ID && batch == 1 {
			_, err := e.eng.StopRun(context.Background(), rc.RunID)
			assert.NoError(t, err)
		}
	}
	e.eng.Start(context.Background())
	ctx := context.Background()

	r0, err := e.eng.Trigger(ctx, keep.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusImported, e.wait(r0.RunID).Run.Status)

	r1 := e.triggerEventually(big.ID)
	v := e.wait(r1.RunID)
	assert.Equal(t, db.StatusCancelled, v.Run.Status)

	assert.Equal(t, int64(1), e.count(m.DataTable), "destination keeps pre-run content")
	var leftovers int64
	require.NoError(t, e.gdb.Raw(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name LIKE ?", "%__shadow_%").Scan(&leftovers).Error)
	assert.Zero(t, leftovers)

	run, err := e.led.GetRun(ctx, r1.RunID)
	require.NoError(t, err)
	assert.Contains(t, string(run.Stats), `"rows_done":100`)
}

type progressSnap struct {
	status db.RunStatus
	done   int64
	total  int64
	pct    float64
}

func (e *env) progressOf(uploadID uint) progressSnap {
	var p db.Progress
	if err := e.gdb.Where("upload_id = ?", uploadID).Take(&p).Error; err != nil {
		return progressSnap{}
	}
	return progressSnap{status: p.Status, done: p.RowsDone, total: p.RowsTotal, pct: p.Percent}
}

func TestProgressCountsLoadedRowsNotReadRows(t *testing.T) {
	e := newEnv(t, 1, 2)
	e.eng.opt.Heartbeat = time.Nanosecond
	e.file("h.csv", bigCSV(1000))
	j := e.job(e.manufacturer("Heta"), "h.csv", db.ModeReplace, skuQty)

	read := make(chan progressSnap, 1)
	batches := make(chan progressSnap, 16)
	e.eng.hooks.afterRead = func(rc *RunContext) {
		read <- e.progressOf(rc.UploadID)
	}
	e.eng.hooks.afterBatch = func(rc *RunContext, batch int) {
		if batch <= 3 {
			batches <- e.progressOf(rc.UploadID)
		}
	}
	e.eng.Start(context.Background())

	res, err := e.eng.Trigger(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusImported, e.wait(res.RunID).Run.Status)

	r := <-read
	assert.Equal(t, db.StatusReading, r.status)
	assert.Zero(t, r.done, "reading phase does not count loaded rows")
	assert.GreaterOrEqual(t, r.total, int64(50))
	assert.Zero(t, r.pct)

	first := <-batches
	assert.Equal(t, db.StatusInserting, first.status)
	assert.Equal(t, int64(100), first.done)
	assert.Equal(t, int64(1000), first.total)
	assert.InDelta(t, 10.0, first.pct, 0.001)

	second := <-batches
	assert.Equal(t, int64(200), second.done)
	assert.InDelta(t, 20.0, second.pct, 0.001)

	assert.Eventually(t, func() bool { return e.progressOf(res.UploadID).pct == 100 }, 5*time.Second, 10*time.Millisecond)
}

func TestQueueFullFailsRunAndReleasesLock(t *testing.T) {
	e := newEnv(t, 1, 1)
	for _, n := range []string{"q1.csv", "q2.csv", "q3.csv"} {
		e.file(n, "SKU,Qty\nA,1\n")
	}
	j1 := e.job(e.manufacturer("Q1"), "q1.csv", db.ModeReplace, skuQty)
	j2 := e.job(e.manufacturer("Q2"), "q2.csv", db.ModeReplace, skuQty)
	m3 := e.manufacturer("Q3")
	j3 := e.job(m3, "q3.csv", db.ModeReplace, skuQty)

	g := e.installGate()
	e.eng.Start(context.Background())
	ctx := context.Background()

	r1, err := e.eng.Trigger(ctx, j1.ID)
	require.NoError(t, err)
	<-g.reached
	r2, err := e.eng.Trigger(ctx, j2.ID)
	require.NoError(t, err)

	_, err = e.eng.Trigger(ctx, j3.ID)
	require.ErrorIs(t, err, ErrQueueFull)

	var failed db.Run
	require.NoError(t, e.gdb.Where("job_id = ?", j3.ID).Take(&failed).Error)
	assert.Equal(t, db.StatusFailed, failed.Status)

	g.release()
	assert.Equal(t, db.StatusImported, e.wait(r1.RunID).Run.Status)
	assert.Equal(t, db.StatusImported, e.wait(r2.RunID).Run.Status)

	r3, err := e.eng.Trigger(ctx, j3.ID)
	require.NoError(t, err, "lock for %s must be released", m3.DataTable)
	assert.Equal(t, db.StatusImported, e.wait(r3.RunID).Run.Status)
}

func TestPanicIsCaughtByCrashGuard(t *testing.T) {
	e := newEnv(t, 1, 2)
	e.file("p.csv", "SKU,Qty\nA,1\n")
	j := e.job(e.manufacturer("Pi"), "p.csv", db.ModeMerge, skuQty)
	var explode atomic.Bool
	explode.Store(true)
	e.eng.hooks.afterRead = func(*RunContext) {
		if explode.Load() {
			panic("boom")
		}
	}
	e.eng.Start(context.Background())

	res, err := e.eng.Trigger(context.Background(), j.ID)
	require.NoError(t, err)
	v := e.wait(res.RunID)
	require.Equal(t, db.StatusFailed, v.Run.Status)
	assert.Contains(t, *v.Run.ErrorMessage, "boom")

	explode.Store(false)
	res = e.triggerEventually(j.ID)
	assert.Equal(t, db.StatusImported, e.wait(res.RunID).Run.Status)
}

func TestRecoverFailsRunsLeftOpen(t *testing.T) {
	e := newEnv(t, 1, 1)
	j := e.job(e.manufacturer("Rho"), "r.csv", db.ModeReplace, skuQty)
	ctx := context.Background()

	run, _, err := e.led.CreateRun(ctx, j.ID, "r.csv", "delimited")
	require.NoError(t, err)
	require.NoError(t, e.led.Advance(ctx, run.ID, db.StatusInserting))

	ids, err := e.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{run.ID}, ids)

	got, err := e.led.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, crashNote, *got.ErrorMessage)
}

func TestRecoverLeavesRunsHeldByLiveProcess(t *testing.T) {
	e := newEnv(t, 1, 1)
	m := e.manufacturer("Live")
	j := e.job(m, "l.csv", db.ModeReplace, skuQty)
	ctx := context.Background()

	run, _, err := e.led.CreateRun(ctx, j.ID, "l.csv", "delimited")
	require.NoError(t, err)
	require.NoError(t, e.led.Advance(ctx, run.ID, db.StatusInserting))

	// tabelę trzyma inny proces z tym samym backendem blokad
	release, err := e.eng.locks.Acquire(ctx, m.DataTable)
	require.NoError(t, err)

	ids, err := e.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	got, err := e.led.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusInserting, got.Status)

	release()
	ids, err = e.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{run.ID}, ids)
}

func TestRecoverAcrossProcessesWithTableLock(t *testing.T) {
	e := newEnv(t, 1, 1)
	e.eng.locks = lock.NewTable(e.gdb, 0)
	m := e.manufacturer("Shared")
	j := e.job(m, "s.csv", db.ModeReplace, skuQty)
	ctx := context.Background()

	_, _, err := e.led.CreateRun(ctx, j.ID, "s.csv", "delimited")
	require.NoError(t, err)
	other := lock.NewTable(e.gdb, 0)
	release, err := other.Acquire(ctx, m.DataTable)
	require.NoError(t, err)
	defer release()

	ids, err := e.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = e.eng.Trigger(ctx, j.ID)
	assert.True(t, IsBusy(err), "second process must not load the same table: %v", err)
}

func TestTriggerRejectsInvalidDataTable(t *testing.T) {
	e := newEnv(t, 1, 1)
	m := &db.Manufacturer{Name: "Evil", Slug: "evil", DataTable: "import_jobs"}
	require.NoError(t, e.gdb.Create(m).Error)
	j := e.job(m, "x.csv", db.ModeReplace, skuQty)

	_, err := e.eng.Trigger(context.Background(), j.ID)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	var runs int64
	require.NoError(t, e.gdb.Model(&db.Run{}).Count(&runs).Error)
	assert.Zero(t, runs)
}

func TestShutdownTimeoutClosesStuckRun(t *testing.T) {
	e := newEnv(t, 1, 1)
	e.file("z.csv", bigCSV(300))
	j := e.job(e.manufacturer("Zeta"), "z.csv", db.ModeReplace, skuQty)
	g := e.installGate()
	ctx := context.Background()
	e.eng.Start(ctx)

	res, err := e.eng.Trigger(ctx, j.ID)
	require.NoError(t, err)
	<-g.reached

	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, e.eng.Shutdown(sctx))

	run, err := e.led.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, run.Status)
	assert.Equal(t, shutdownNote, *run.ErrorMessage)
	assert.Contains(t, string(run.Stats), `"rows_total":300`)

	// spóźniony worker kończy, ale nie nadpisuje stanu terminalnego
	g.release()
	require.Eventually(t, func() bool { return len(e.eng.ActiveRuns()) == 0 }, 5*time.Second, 10*time.Millisecond)
	run, err = e.led.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, run.Status)
}

func TestMissingSourceFailsRun(t *testing.T) {
	e := newEnv(t, 1, 1)
	j := e.job(e.manufacturer("Tau"), "nope_*.csv", db.ModeReplace, skuQty)
	e.eng.Start(context.Background())

	res, err := e.eng.Trigger(context.Background(), j.ID)
	require.NoError(t, err)
	v := e.wait(res.RunID)
	assert.Equal(t, db.StatusFailed, v.Run.Status)
	assert.Contains(t, *v.Run.ErrorMessage, "source")
}

func TestTriggerRejectsDisabledJob(t *testing.T) {
	e := newEnv(t, 1, 1)
	j := e.job(e.manufacturer("Off"), "x.csv", db.ModeReplace, skuQty)
	j.Enabled = false
	require.NoError(t, e.led.SaveJob(context.Background(), j))

	_, err := e.eng.Trigger(context.Background(), j.ID)
	assert.ErrorIs(t, err, ErrJobDisabled)

	_, err = e.eng.Trigger(context.Background(), 999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestShutdownFailsQueuedRuns(t *testing.T) {
	e := newEnv(t, 1, 2)
	e.file("z.csv", "SKU,Qty\nA,1\n")
	j := e.job(e.manufacturer("Zeta"), "z.csv", db.ModeReplace, skuQty)

	// bez Start: run czeka w kolejce
	res, err := e.eng.Trigger(context.Background(), j.ID)
	require.NoError(t, err)
	require.NoError(t, e.eng.Shutdown(context.Background()))

	run, err := e.led.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, run.Status)

	_, err = e.eng.Trigger(context.Background(), j.ID)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestMappedColumns(t *testing.T) {
	assert.Equal(t, []string{"code", "stock"}, mappedColumns(db.ColumnMapping{Code: "a", Stock: "b"}))
	assert.Equal(t, []string{"code", "ean", "name", "stock", "eta"},
		mappedColumns(db.ColumnMapping{Code: "a", EAN: "e", Name: "n", Stock: "b", ETA: "t"}))
}
