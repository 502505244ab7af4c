package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/engine"
	"github.com/bartek5186/stockimport/internal/ledger"
)

// --- producenci ---

func (h *Handler) ListManufacturers(c *gin.Context) {
	out, err := h.led.ListManufacturers(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"manufacturers": out, "count": len(out)})
}

func (h *Handler) SaveManufacturer(c *gin.Context) {
	var m db.Manufacturer
	if err := c.ShouldBindJSON(&m); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	if err := h.led.SaveManufacturer(c.Request.Context(), &m); err != nil {
		h.fail(c, err, nil)
		return
	}
	h.log.Info().Uint("manufacturer_id", m.ID).Str("table", m.DataTable).Msg("manufacturer saved")
	c.JSON(http.StatusOK, m)
}

// --- joby ---

func (h *Handler) ListJobs(c *gin.Context) {
	out, err := h.eng.ListJobs(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "count": len(out)})
}

func (h *Handler) GetJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	j, err := h.led.GetJob(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handler) CreateJob(c *gin.Context) {
	var j db.Job
	if err := c.ShouldBindJSON(&j); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	j.ID = 0
	h.saveJob(c, &j, http.StatusCreated)
}

func (h *Handler) UpdateJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var j db.Job
	if err := c.ShouldBindJSON(&j); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	j.ID = id
	h.saveJob(c, &j, http.StatusOK)
}

func (h *Handler) saveJob(c *gin.Context, j *db.Job, status int) {
	ctx := c.Request.Context()
	if err := h.led.SaveJob(ctx, j); err != nil {
		h.fail(c, err, nil)
		return
	}
	h.log.Info().Uint("job_id", j.ID).Str("mode", string(j.Mode)).Msg("job saved")
	h.reloadSchedule(c)

	saved, err := h.led.GetJob(ctx, j.ID)
	if err != nil {
		c.JSON(status, j)
		return
	}
	c.JSON(status, saved)
}

func (h *Handler) DeleteJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.led.DeleteJob(c.Request.Context(), id); err != nil {
		h.fail(c, err, nil)
		return
	}
	h.log.Info().Uint("job_id", id).Msg("job deleted")
	h.reloadSchedule(c)
	c.Status(http.StatusNoContent)
}

// zmiana joba = od razu nowy harmonogram, bez czekania na cykliczny reload
func (h *Handler) reloadSchedule(c *gin.Context) {
	if h.sched == nil || !h.sched.IsRunning() {
		return
	}
	if err := h.sched.Reload(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("scheduler reload after job change failed")
	}
}

// --- runy ---

func (h *Handler) TriggerJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	res, err := h.eng.Trigger(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, h.triggerContext(id, err))
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// triggerContext – diagnostyka dla nieudanego triggera: gdzie szukamy plików
// i w jakim stanie jest pula, gdy to ona odmówiła.
func (h *Handler) triggerContext(jobID uint, err error) gin.H {
	opt := h.eng.Options()
	out := gin.H{"job_id": jobID}
	switch {
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrShuttingDown):
		out["workers"] = opt.Workers
		out["queue_size"] = opt.QueueSize
		out["active_runs"] = h.eng.ActiveRuns()
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, engine.ErrJobDisabled):
	default:
		out["import_root"] = opt.ImportRoot
		out["storage_dir"] = opt.StorageDir
	}
	return out
}

func (h *Handler) GetRun(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	h.status(c, id, 0, 0)
}

// RunStatus – run wskazany przez run_id, job_id (ostatni run) albo upload_id.
func (h *Handler) RunStatus(c *gin.Context) {
	runID, ok := queryID(c, "run_id")
	if !ok {
		return
	}
	jobID, ok := queryID(c, "job_id")
	if !ok {
		return
	}
	uploadID, ok := queryID(c, "upload_id")
	if !ok {
		return
	}
	h.status(c, runID, jobID, uploadID)
}

func (h *Handler) status(c *gin.Context, runID, jobID, uploadID uint) {
	v, err := h.eng.Status(c.Request.Context(), runID, jobID, uploadID)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) StopRun(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	stopped, err := h.eng.StopRun(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "stop_requested": stopped})
}

// --- logi ---

func (h *Handler) TailLogs(c *gin.Context) {
	runID, ok := queryID(c, "run_id")
	if !ok {
		return
	}
	jobID, ok := queryID(c, "job_id")
	if !ok {
		return
	}
	since, ok := queryID(c, "since")
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit", "must be a non-negative integer")
			return
		}
		limit = n
	}
	page, err := h.led.Tail(c.Request.Context(), ledger.TailQuery{RunID: runID, JobID: jobID, Since: since, Limit: limit})
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) ClearLogs(c *gin.Context) {
	runID, ok := queryID(c, "run_id")
	if !ok {
		return
	}
	jobID, ok := queryID(c, "job_id")
	if !ok {
		return
	}
	n, err := h.eng.ClearLogs(c.Request.Context(), runID, jobID)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	h.log.Warn().Uint("run_id", runID).Uint("job_id", jobID).Int64("deleted", n).Msg("logs cleared")
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// --- admin ---

func (h *Handler) Control(c *gin.Context) {
	ctx := c.Request.Context()
	at, err := h.led.StopAllAt(ctx)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	out := gin.H{
		"stop_all_at": at,
		"active_runs": h.eng.ActiveRuns(),
	}
	if h.sched != nil {
		out["scheduler_running"] = h.sched.IsRunning()
		out["scheduled"] = h.sched.Scheduled()
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) StopAll(c *gin.Context) {
	ids, err := h.eng.StopAll(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if ids == nil {
		ids = []uint{}
	}
	c.JSON(http.StatusOK, gin.H{"cancelled_runs": ids})
}

func (h *Handler) ClearStop(c *gin.Context) {
	if err := h.eng.ClearStop(c.Request.Context()); err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stop_all_at": nil})
}

// Reset – domyślnie dry-run; na żywo tylko z jawnym dry_run=false.
func (h *Handler) Reset(c *gin.Context) {
	dryRun := true
	if raw := c.Query("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "dry_run", "must be a boolean")
			return
		}
		dryRun = v
	}
	jobID, ok := queryID(c, "job_id")
	if !ok {
		return
	}
	rep, err := h.eng.Reset(c.Request.Context(), dryRun, jobID)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rep)
}
