package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/db/dbtest"
	"github.com/bartek5186/stockimport/internal/engine"
	"github.com/bartek5186/stockimport/internal/ledger"
	"github.com/bartek5186/stockimport/internal/loader"
	"github.com/bartek5186/stockimport/internal/lock"
	"github.com/bartek5186/stockimport/internal/metrics"
	"github.com/bartek5186/stockimport/internal/strategy"
)

type fakeScheduler struct {
	reloads atomic.Int32
}

func (f *fakeScheduler) Reload(context.Context) error { f.reloads.Add(1); return nil }
func (f *fakeScheduler) IsRunning() bool              { return true }
func (f *fakeScheduler) Scheduled() map[uint]time.Time {
	return map[uint]time.Time{}
}

type apiEnv struct {
	t      *testing.T
	router *gin.Engine
	eng    *engine.Engine
	locks  *lock.Memory
	sched  *fakeScheduler
	root   string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := dbtest.New(t)
	led := ledger.New(h.DB)
	log := zerolog.Nop()
	strat, err := strategy.New(h.DB, "sqlite", led, log)
	require.NoError(t, err)

	locks := lock.NewMemory()
	root := t.TempDir()
	eng := engine.New(engine.Deps{
		Ledger:   led,
		Locks:    locks,
		Strategy: strat,
		Loader:   loader.New(h.DB, "sqlite", loader.Options{BatchSize: 100}, log),
		Metrics:  metrics.New(),
		Log:      log,
	}, engine.Options{
		ImportRoot:        root,
		StorageDir:        filepath.Join(t.TempDir(), "storage"),
		Workers:           1,
		QueueSize:         4,
		ProgressThreshold: 10,
		Heartbeat:         time.Second,
	})
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	sched := &fakeScheduler{}
	router := NewRouter(Deps{Engine: eng, Scheduler: sched, Log: log})
	return &apiEnv{t: t, router: router, eng: eng, locks: locks, sched: sched, root: root}
}

// settle czeka na stan terminalny i na zejście runu z puli
// (końcowy progress i log są pisane po zamknięciu runu).
func (e *apiEnv) settle(runID uint) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := e.eng.WaitRun(ctx, runID, 10*time.Millisecond, nil)
	require.NoError(e.t, err)
	require.Eventually(e.t, func() bool { return len(e.eng.ActiveRuns()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func (e *apiEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, path, &buf)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *apiEnv) manufacturer(name string) db.Manufacturer {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/v1/manufacturers", map[string]any{"name": name})
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	return decode[db.Manufacturer](e.t, w)
}

func (e *apiEnv) job(manuID uint, source string) db.Job {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/v1/jobs", map[string]any{
		"manufacturer_id": manuID,
		"title":           "stany",
		"source_path":     source,
		"enabled":         true,
		"mode":            "replace",
		"mapping":         map[string]string{"code": "SKU", "stock": "Qty"},
	})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[db.Job](e.t, w)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stockimport_runs_active")
}

func TestManufacturerSaveAndList(t *testing.T) {
	e := newAPIEnv(t)
	m := e.manufacturer("Łódź Hurt")
	assert.Equal(t, "lodz_hurt", m.Slug)
	assert.Equal(t, "stock_lodz_hurt", m.DataTable)

	w := e.do(http.MethodGet, "/api/v1/manufacturers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 1, body.Count)

	w = e.do(http.MethodPost, "/api/v1/manufacturers", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManufacturerRejectsLedgerTable(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodPost, "/api/v1/manufacturers", map[string]any{"name": "Evil", "data_table": "import_jobs"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "data_table", body["field"])

	var n int64
	require.NoError(t, e.eng.Ledger().DB().Table("import_jobs").Count(&n).Error)
	assert.Zero(t, n)
}

func TestJobCRUD(t *testing.T) {
	e := newAPIEnv(t)
	m := e.manufacturer("Acme")

	j := e.job(m.ID, "acme.csv")
	assert.NotZero(t, j.ID)
	assert.Equal(t, db.ModeReplace, j.Mode)
	assert.Equal(t, int32(1), e.sched.reloads.Load())

	w := e.do(http.MethodGet, "/api/v1/jobs/"+itoa(j.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodPut, "/api/v1/jobs/"+itoa(j.ID), map[string]any{
		"manufacturer_id": m.ID,
		"title":           "nowy tytuł",
		"source_path":     "acme-*.csv",
		"enabled":         false,
		"mode":            "merge",
		"mapping":         map[string]string{"code": "SKU", "stock": "Qty"},
		"schedule":        "0 6 * * *",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	upd := decode[db.Job](t, w)
	assert.Equal(t, "nowy tytuł", upd.Title)
	assert.Equal(t, db.ModeMerge, upd.Mode)
	assert.False(t, upd.Enabled)
	assert.Equal(t, int32(2), e.sched.reloads.Load())

	w = e.do(http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Jobs []ledger.JobSummary `json:"jobs"`
	}](t, w)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "stock_acme", list.Jobs[0].DataTable)
	assert.Nil(t, list.Jobs[0].ETASeconds)

	w = e.do(http.MethodDelete, "/api/v1/jobs/"+itoa(j.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(http.MethodDelete, "/api/v1/jobs/"+itoa(j.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(http.MethodGet, "/api/v1/jobs/"+itoa(j.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobValidationErrors(t *testing.T) {
	e := newAPIEnv(t)
	m := e.manufacturer("Acme")

	w := e.do(http.MethodPost, "/api/v1/jobs", map[string]any{
		"manufacturer_id": m.ID,
		"title":           "x",
		"source_path":     "a.csv",
		"mode":            "replace",
		"mapping":         map[string]string{"code": "SKU"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "mapping.stock", body["field"])
	assert.Equal(t, "validation", body["code"])

	w = e.do(http.MethodPost, "/api/v1/jobs", map[string]any{
		"manufacturer_id": m.ID,
		"title":           "x",
		"source_path":     "a.csv",
		"mode":            "append",
		"mapping":         map[string]string{"code": "SKU", "stock": "Qty"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "mode", decode[map[string]any](t, w)["field"])

	w = e.do(http.MethodGet, "/api/v1/jobs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerStatusAndLogTail(t *testing.T) {
	e := newAPIEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "acme.csv"), []byte("SKU;Qty\nA1;5\nA2;7\n"), 0o644))
	m := e.manufacturer("Acme")
	j := e.job(m.ID, "acme.csv")

	w := e.do(http.MethodPost, "/api/v1/jobs/"+itoa(j.ID)+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode[engine.TriggerResult](t, w)
	assert.NotZero(t, res.RunID)
	assert.NotZero(t, res.UploadID)

	e.settle(res.RunID)

	for _, path := range []string{
		"/api/v1/runs/" + itoa(res.RunID),
		"/api/v1/runs/status?job_id=" + itoa(j.ID),
		"/api/v1/runs/status?upload_id=" + itoa(res.UploadID),
	} {
		w = e.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		v := decode[ledger.RunView](t, w)
		assert.Equal(t, res.RunID, v.Run.ID, path)
		assert.Equal(t, db.StatusImported, v.Run.Status, path)
		require.NotNil(t, v.Progress, path)
		assert.Equal(t, int64(2), v.Progress.RowsDone, path)
		assert.InDelta(t, 100.0, v.Progress.Percent, 0.001, path)
	}

	w = e.do(http.MethodGet, "/api/v1/logs?run_id="+itoa(res.RunID)+"&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[ledger.TailPage](t, w)
	require.Len(t, page.Entries, 2)
	assert.Less(t, page.Entries[0].ID, page.Entries[1].ID)
	assert.Equal(t, page.Entries[1].ID, page.Cursor)

	var all []db.LogEntry
	cursor := uint(0)
	for {
		w = e.do(http.MethodGet, "/api/v1/logs?run_id="+itoa(res.RunID)+"&limit=2&since="+itoa(cursor), nil)
		require.Equal(t, http.StatusOK, w.Code)
		p := decode[ledger.TailPage](t, w)
		if len(p.Entries) == 0 {
			assert.Equal(t, cursor, p.Cursor)
			break
		}
		all = append(all, p.Entries...)
		cursor = p.Cursor
	}
	assert.Greater(t, len(all), 2)

	w = e.do(http.MethodDelete, "/api/v1/logs?run_id="+itoa(res.RunID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, len(all), decode[map[string]any](t, w)["deleted"])
}

func TestTriggerErrorMapping(t *testing.T) {
	e := newAPIEnv(t)
	m := e.manufacturer("Acme")
	j := e.job(m.ID, "acme.csv")

	w := e.do(http.MethodPost, "/api/v1/jobs/999/trigger", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	release, err := e.locks.Acquire(context.Background(), m.DataTable)
	require.NoError(t, err)
	w = e.do(http.MethodPost, "/api/v1/jobs/"+itoa(j.ID)+"/trigger", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "busy", body["code"])
	assert.Equal(t, e.root, body["import_root"])
	release()

	w = e.do(http.MethodPost, "/api/v1/admin/stop-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodPost, "/api/v1/jobs/"+itoa(j.ID)+"/trigger", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "stopped", decode[map[string]any](t, w)["code"])

	w = e.do(http.MethodGet, "/api/v1/admin/control", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode[map[string]any](t, w)["stop_all_at"])

	w = e.do(http.MethodPost, "/api/v1/admin/clear-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodGet, "/api/v1/admin/control", nil)
	assert.Nil(t, decode[map[string]any](t, w)["stop_all_at"])
}

func TestStatusAndTailNeedAnID(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodGet, "/api/v1/runs/status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodGet, "/api/v1/runs/status?run_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodGet, "/api/v1/runs/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(http.MethodGet, "/api/v1/logs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodGet, "/api/v1/logs?job_id=1&limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodDelete, "/api/v1/logs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopRunOnFinishedRun(t *testing.T) {
	e := newAPIEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "acme.csv"), []byte("SKU,Qty\nA1,5\n"), 0o644))
	m := e.manufacturer("Acme")
	j := e.job(m.ID, "acme.csv")

	w := e.do(http.MethodPost, "/api/v1/jobs/"+itoa(j.ID)+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	res := decode[engine.TriggerResult](t, w)
	e.settle(res.RunID)

	w = e.do(http.MethodPost, "/api/v1/runs/"+itoa(res.RunID)+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["stop_requested"])
}

func TestResetDefaultsToDryRun(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(http.MethodPost, "/api/v1/admin/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[ledger.ResetReport](t, w)
	assert.True(t, rep.DryRun)

	w = e.do(http.MethodPost, "/api/v1/admin/reset?dry_run=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[ledger.ResetReport](t, w).DryRun)

	w = e.do(http.MethodPost, "/api/v1/admin/reset?dry_run=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusForMapsSentinels(t *testing.T) {
	cases := map[error]int{
		ledger.ErrNotFound:                 http.StatusNotFound,
		&ledger.ValidationError{Field: "x"}: http.StatusBadRequest,
		lock.ErrBusy:                       http.StatusConflict,
		engine.ErrStopped:                  http.StatusConflict,
		engine.ErrQueueFull:                http.StatusServiceUnavailable,
		engine.ErrShuttingDown:             http.StatusServiceUnavailable,
		assert.AnError:                     http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
