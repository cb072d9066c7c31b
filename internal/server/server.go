// Package server is the HTTP ingestion API the training loop posts its
// per-iteration measurements to.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/llm-recipes/moetrack/internal/checkpoint"
	"github.com/llm-recipes/moetrack/internal/model"
	"github.com/llm-recipes/moetrack/internal/report"
)

// Defaults fill fields a request leaves at zero.
type Defaults struct {
	BatchSize                 int
	SequenceLength            int
	GradientAccumulationSteps int
	WorldSize                 int
}

type Server struct {
	reporter *report.Reporter
	memory   *report.MemorySink
	shape    model.Shape
	state    *checkpoint.RunState
	defaults Defaults

	saveDir string
	rank    int
}

// New builds the API. memory may be nil, in which case record lookups
// answer 404.
func New(reporter *report.Reporter, memory *report.MemorySink, shape model.Shape, state *checkpoint.RunState, defaults Defaults) *Server {
	return &Server{
		reporter: reporter,
		memory:   memory,
		shape:    shape,
		state:    state,
		defaults: defaults,
	}
}

// EnableCheckpointSave lets POST /v1/checkpoints/:iteration snapshot the RNG
// state of rank into the checkpoint tree at dir.
func (s *Server) EnableCheckpointSave(dir string, rank int) {
	s.saveDir, s.rank = dir, rank
}

// Router returns the gin engine serving the API.
func (s *Server) Router() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), requestLogger())

	e.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := e.Group("/v1")
	{
		v1.POST("/iterations/:iteration", func(c *gin.Context) {
			handle(c, s.postIteration)
		})
		v1.POST("/checkpoints/:iteration", func(c *gin.Context) {
			handle(c, s.postCheckpoint)
		})
		v1.GET("/resume", func(c *gin.Context) {
			handle(c, s.getResume)
		})
		v1.GET("/records/:iteration", func(c *gin.Context) {
			handle(c, s.getRecord)
		})
		v1.GET("/config", func(c *gin.Context) {
			handle(c, s.getConfig)
		})
	}
	return e
}

// Run serves the API on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("server: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("server: request")
	}
}
