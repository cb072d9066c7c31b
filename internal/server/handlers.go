package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/llm-recipes/moetrack/internal/checkpoint"
	"github.com/llm-recipes/moetrack/internal/report"
	"github.com/llm-recipes/moetrack/internal/stats"
)

type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &apiError{code: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &apiError{code: http.StatusNotFound, msg: fmt.Sprintf(format, args...)}
}

type handleFunc[T any] func(*gin.Context) (T, error)

func handle[T any](c *gin.Context, fn handleFunc[T]) {
	rsp, err := fn(c)
	if err != nil {
		code := http.StatusInternalServerError
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			code = apiErr.code
		}
		c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
		return
	}
	// Handlers may set a non-200 success status before returning.
	c.JSON(c.Writer.Status(), rsp)
}

// IterationRequest is the body of POST /v1/iterations/:iteration. Sizes left
// at zero fall back to the configured run layout.
type IterationRequest struct {
	Loss                      *float64      `json:"loss" binding:"required"`
	LoadBalancingLoss         float64       `json:"load_balancing_loss"`
	ElapsedSeconds            float64       `json:"elapsed_seconds"`
	BatchSize                 int           `json:"batch_size"`
	SequenceLength            int           `json:"seq_length"`
	GradientAccumulationSteps int           `json:"gradient_accumulation_steps"`
	WorldSize                 int           `json:"world_size"`
	LearningRate              float64       `json:"lr"`
	Shards                    []stats.Shard `json:"shards,omitempty"`
}

// IterationResponse echoes the computed record. Emitted is false on
// non-leader replicas, which accept and drop.
type IterationResponse struct {
	Iteration int            `json:"iteration"`
	Emitted   bool           `json:"emitted"`
	Record    map[string]any `json:"record,omitempty"`
	SinkError string         `json:"sink_error,omitempty"`
}

func (s *Server) metrics(req IterationRequest) (report.IterationMetrics, error) {
	if req.ElapsedSeconds < 0 || math.IsNaN(req.ElapsedSeconds) || math.IsInf(req.ElapsedSeconds, 0) {
		return report.IterationMetrics{}, badRequest("elapsed_seconds must be a finite non-negative number")
	}
	m := report.IterationMetrics{
		Loss:                      *req.Loss,
		LoadBalancingLoss:         req.LoadBalancingLoss,
		Elapsed:                   time.Duration(req.ElapsedSeconds * float64(time.Second)),
		BatchSize:                 orDefault(req.BatchSize, s.defaults.BatchSize),
		SequenceLength:            orDefault(req.SequenceLength, s.defaults.SequenceLength),
		GradientAccumulationSteps: orDefault(req.GradientAccumulationSteps, s.defaults.GradientAccumulationSteps),
		WorldSize:                 orDefault(req.WorldSize, s.defaults.WorldSize),
		LearningRate:              req.LearningRate,
	}
	if m.BatchSize < 0 || m.SequenceLength < 0 || m.GradientAccumulationSteps < 0 || m.WorldSize < 0 {
		return report.IterationMetrics{}, badRequest("sizes must not be negative")
	}
	if len(req.Shards) > 0 {
		m.Optimizer = &report.OptimizerState{Shards: req.Shards}
	}
	return m, nil
}

func (s *Server) postIteration(c *gin.Context) (IterationResponse, error) {
	iteration, err := parseIteration(c.Param("iteration"))
	if err != nil {
		return IterationResponse{}, err
	}
	var req IterationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return IterationResponse{}, badRequest("decode iteration: %v", err)
	}
	m, err := s.metrics(req)
	if err != nil {
		return IterationResponse{}, err
	}

	rec, err := s.reporter.Report(c.Request.Context(), m, s.shape, iteration)
	rsp := IterationResponse{Iteration: iteration, Emitted: rec != nil}
	if rec == nil {
		c.Status(http.StatusAccepted)
		return rsp, nil
	}
	rsp.Record = rec.JSON()
	if err != nil {
		// The record was computed; a failing sink does not fail the step.
		logrus.Warnf("server: iteration %d: %v", iteration, err)
		rsp.SinkError = err.Error()
	}
	return rsp, nil
}

func (s *Server) getResume(*gin.Context) (*checkpoint.RunState, error) {
	if s.state == nil {
		return nil, notFound("no resume state")
	}
	return s.state, nil
}

// CheckpointRequest is the body of POST /v1/checkpoints/:iteration: the
// generator snapshot of the training loop, base64 encoded.
type CheckpointRequest struct {
	RNG *checkpoint.RNGState `json:"rng_state" binding:"required"`
}

// CheckpointResponse names the RNG snapshot written for an iteration.
type CheckpointResponse struct {
	Iteration int    `json:"iteration"`
	Rank      int    `json:"rank"`
	Path      string `json:"path"`
}

func (s *Server) postCheckpoint(c *gin.Context) (*CheckpointResponse, error) {
	iteration, err := parseIteration(c.Param("iteration"))
	if err != nil {
		return nil, err
	}
	if s.saveDir == "" {
		return nil, notFound("checkpoint saving is not configured")
	}
	var req CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, badRequest("decode checkpoint: %v", err)
	}
	if err := checkpoint.SaveRNGState(s.saveDir, iteration, s.rank, req.RNG); err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return &CheckpointResponse{
		Iteration: iteration,
		Rank:      s.rank,
		Path:      checkpoint.RNGPath(s.saveDir, iteration, s.rank),
	}, nil
}

func (s *Server) getRecord(c *gin.Context) (map[string]any, error) {
	if s.memory == nil {
		return nil, notFound("records are not retained")
	}
	param := c.Param("iteration")
	if param == "latest" {
		iteration, rec, ok := s.memory.Latest()
		if !ok {
			return nil, notFound("no iteration reported yet")
		}
		return withIteration(rec, iteration), nil
	}
	iteration, err := parseIteration(param)
	if err != nil {
		return nil, err
	}
	rec, ok := s.memory.Get(iteration)
	if !ok {
		return nil, notFound("iteration %d not found", iteration)
	}
	return withIteration(rec, iteration), nil
}

func (s *Server) getConfig(*gin.Context) (map[string]any, error) {
	if s.memory == nil {
		return nil, notFound("config is not retained")
	}
	return s.memory.Config(), nil
}

func withIteration(rec report.Record, iteration int) map[string]any {
	return map[string]any{"iteration": iteration, "record": rec.JSON()}
}

func parseIteration(param string) (int, error) {
	iteration, err := strconv.Atoi(param)
	if err != nil || iteration < 0 {
		return 0, badRequest("invalid iteration %q", param)
	}
	return iteration, nil
}

func orDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
