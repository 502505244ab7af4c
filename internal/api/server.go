// Package api – HTTP dla UI i skryptów: joby, producenci, trigger,
// polling statusu, tail logów, operacje admina i /metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/bartek5186/stockimport/internal/engine"
	"github.com/bartek5186/stockimport/internal/ledger"
)

// Scheduler – to, czego API potrzebuje od syncera (nil = brak schedulera).
type Scheduler interface {
	Reload(ctx context.Context) error
	IsRunning() bool
	Scheduled() map[uint]time.Time
}

type Deps struct {
	Engine    *engine.Engine
	Scheduler Scheduler
	Log       zerolog.Logger
}

type Handler struct {
	eng   *engine.Engine
	led   *ledger.Ledger
	sched Scheduler
	log   zerolog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	h := &Handler{eng: d.Engine, led: d.Engine.Ledger(), sched: d.Scheduler, log: d.Log}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(d.Log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(d.Engine.Metrics().Handler()))

	v1 := router.Group("/api/v1")

	manus := v1.Group("/manufacturers")
	manus.GET("", h.ListManufacturers)
	manus.POST("", h.SaveManufacturer)

	jobs := v1.Group("/jobs")
	jobs.GET("", h.ListJobs)
	jobs.POST("", h.CreateJob)
	jobs.GET("/:id", h.GetJob)
	jobs.PUT("/:id", h.UpdateJob)
	jobs.DELETE("/:id", h.DeleteJob)
	jobs.POST("/:id/trigger", h.TriggerJob)

	runs := v1.Group("/runs")
	runs.GET("/status", h.RunStatus)
	runs.GET("/:id", h.GetRun)
	runs.POST("/:id/stop", h.StopRun)

	logs := v1.Group("/logs")
	logs.GET("", h.TailLogs)
	logs.DELETE("", h.ClearLogs)

	admin := v1.Group("/admin")
	admin.GET("/control", h.Control)
	admin.POST("/stop-all", h.StopAll)
	admin.POST("/clear-stop", h.ClearStop)
	admin.POST("/reset", h.Reset)

	return router
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		ev := log.Debug()
		if len(c.Errors) > 0 || c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error().Str("errors", c.Errors.String())
		}
		ev.Str("method", method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Server – http.Server z routerem i łagodnym zamknięciem.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func NewServer(addr string, d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: d.Log,
	}
}

func (s *Server) Addr() string { return s.srv.Addr }

// Start blokuje do zamknięcia serwera.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("HTTP API: listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// StartAsync – Start w goroutynie; kanał dostaje błąd startu (np. zajęty port).
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info().Msg("HTTP API: stopped")
	return nil
}
