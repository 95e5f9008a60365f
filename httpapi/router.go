// Package httpapi exposes a session over a small JSON HTTP API.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"gcode_arm/interp"
	"gcode_arm/runner"
	"gcode_arm/session"
	"gcode_arm/trajectory"
)

// Controller is the part of a session the API drives.
type Controller interface {
	Status() session.Status
	Joints() session.Joints
	Planned() []trajectory.PlannedPoint
	Actual() []r3.Vector
	ClearActual()
	CurrentPlannedPoint() (trajectory.PlannedPoint, bool)

	LoadText(text string) error
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop()
	Step(ctx context.Context) (interp.LineResult, error)
	Rewind() error
	SetRepeat(rep runner.Repeat) error
	MoveTo(ctx context.Context, target r3.Vector) error
}

// RepeatRequest is the body of POST /repeat.
type RepeatRequest struct {
	Enabled  bool `json:"enabled"`
	Infinite bool `json:"infinite"`
	Count    int  `json:"count"`
}

// MoveRequest is the body of POST /move.
type MoveRequest struct {
	X *float64 `json:"x" binding:"required"`
	Y *float64 `json:"y" binding:"required"`
	Z *float64 `json:"z" binding:"required"`
}

type handlers struct {
	ctrl   Controller
	logger logging.Logger
}

// NewRouter builds the gin engine for ctrl. Cross-origin requests are allowed
// so a browser dashboard on another port can poll it.
func NewRouter(ctrl Controller, logger logging.Logger) *gin.Engine {
	h := &handlers{ctrl: ctrl, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), cors.Default())

	r.GET("/status", h.status)
	r.GET("/joints", h.joints)
	r.GET("/trajectory/planned", h.planned)
	r.GET("/trajectory/actual", h.actual)
	r.DELETE("/trajectory/actual", h.clearActual)
	r.GET("/trajectory/current", h.current)

	r.POST("/program", h.loadProgram)
	r.POST("/start", h.start)
	r.POST("/pause", h.simple(ctrl.Pause))
	r.POST("/resume", h.simple(ctrl.Resume))
	r.POST("/stop", h.simple(func() error {
		ctrl.Stop()
		return nil
	}))
	r.POST("/step", h.step)
	r.POST("/rewind", h.simple(ctrl.Rewind))
	r.POST("/repeat", h.repeat)
	r.POST("/move", h.move)
	return r
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// statusCode maps controller errors onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning), errors.Is(err, runner.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, runner.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, runner.ErrNotLoaded), errors.Is(err, runner.ErrEndOfProgram):
		return http.StatusPreconditionFailed
	case errors.Is(err, runner.ErrInvalidRepeat):
		return http.StatusBadRequest
	case interp.IsSendFailure(err):
		return http.StatusBadGateway
	}
	return http.StatusUnprocessableEntity
}

func (h *handlers) fail(c *gin.Context, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Warnf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Status())
}

func (h *handlers) joints(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Joints())
}

func (h *handlers) planned(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"points": h.ctrl.Planned()})
}

func (h *handlers) actual(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"points": h.ctrl.Actual()})
}

func (h *handlers) clearActual(c *gin.Context) {
	h.ctrl.ClearActual()
	c.JSON(http.StatusOK, gin.H{"message": "actual trajectory cleared"})
}

func (h *handlers) current(c *gin.Context) {
	p, ok := h.ctrl.CurrentPlannedPoint()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "no planned point for the current line"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) loadProgram(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := string(body)
	if strings.TrimSpace(text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "program body is empty"})
		return
	}
	if err := h.ctrl.LoadText(text); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctrl.Status().Program)
}

func (h *handlers) start(c *gin.Context) {
	if err := h.ctrl.Start(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctrl.Status().Program)
}

func (h *handlers) simple(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, h.ctrl.Status().Program)
	}
}

func (h *handlers) step(c *gin.Context) {
	res, err := h.ctrl.Step(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	failures := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, f.Error())
	}
	c.JSON(http.StatusOK, gin.H{
		"line":      res.Line,
		"text":      res.Text,
		"moves":     res.Moves,
		"anomalies": res.Anomalies,
		"failures":  failures,
		"program":   h.ctrl.Status().Program,
	})
}

func (h *handlers) repeat(c *gin.Context) {
	var req RepeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rep := runner.Repeat{Enabled: req.Enabled, Infinite: req.Infinite, Count: req.Count}
	if err := h.ctrl.SetRepeat(rep); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctrl.Status().Program)
}

func (h *handlers) move(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target := r3.Vector{X: *req.X, Y: *req.Y, Z: *req.Z}
	if err := h.ctrl.MoveTo(c.Request.Context(), target); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": target, "joints": h.ctrl.Joints().Target})
}
