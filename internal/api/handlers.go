// Package api contains the HTTP handlers of the workflow builder service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"github.com/ricmars/visualization-sub001/internal/agent"
	"github.com/ricmars/visualization-sub001/internal/auth"
	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/internal/services"
	"github.com/ricmars/visualization-sub001/internal/tools"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

// Logger is the logging surface used by the handlers.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Agent runs chat commands. *agent.Loop implements it.
type Agent interface {
	Run(ctx context.Context, req agent.Request, sink agent.Sink) *agent.Outcome
}

// Server holds the dependencies of the API handlers.
type Server struct {
	svc         *services.WorkflowService
	checkpoints *checkpoint.Manager
	agent       Agent
	log         Logger
	version     string

	// KeepAlive is the interval of comment frames on idle chat streams.
	KeepAlive time.Duration
}

// NewServer creates a new Server.
func NewServer(svc *services.WorkflowService, checkpoints *checkpoint.Manager, agent Agent, version string, log Logger) *Server {
	return &Server{
		svc:         svc,
		checkpoints: checkpoints,
		agent:       agent,
		log:         log,
		version:     version,
		KeepAlive:   15 * time.Second,
	}
}

// Register mounts every /api/v1 route on g.
func (s *Server) Register(g *echo.Group) {
	g.POST("/chat", s.Chat)

	g.GET("/cases", s.ListCases)
	g.POST("/cases", s.CreateCase)
	g.GET("/cases/:id", s.GetCase)
	g.PUT("/cases/:id", s.PutCase)
	g.DELETE("/cases/:id", s.DeleteCase)

	g.GET("/cases/:id/fields", s.ListFields)
	g.POST("/cases/:id/fields", s.SaveFields)
	g.DELETE("/cases/:id/fields/:fieldId", s.DeleteField)

	g.GET("/cases/:id/views", s.ListViews)
	g.POST("/cases/:id/views", s.SaveView)
	g.DELETE("/cases/:id/views/:viewId", s.DeleteView)

	g.GET("/cases/:id/checkpoints", s.ListCheckpoints)
	g.GET("/checkpoints/:sessionId", s.GetCheckpoint)
	g.POST("/checkpoints/:sessionId/rollback", s.RollbackCheckpoint)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "workflow-builder",
		Version:   s.version,
	})
}

// pathID binds an integer path parameter.
func pathID(c echo.Context, name string) (int64, error) {
	var id int64
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return id, nil
}

// mutate runs fn in a single-operation checkpoint for caseID.
func (s *Server) mutate(c echo.Context, caseID int64, fn func(ctx context.Context) error) error {
	ctx := c.Request().Context()
	desc := c.Request().Method + " " + c.Path()
	if p, ok := auth.PrincipalFrom(ctx); ok {
		desc += " by " + p.String()
	}
	return s.checkpoints.RunSingle(ctx, caseID, desc, checkpoint.OriginAPI, fn)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// ErrorHandler renders every handler error as problem details. Domain
// errors map onto 404, 409 and 422; anything unknown is logged and hidden
// behind a 500.
func ErrorHandler(log Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, detail := classify(err)
		if status == http.StatusInternalServerError {
			log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}
		problem := ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(status),
			Status:   status,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		data, merr := json.Marshal(problem)
		if merr != nil {
			data = []byte(`{"type":"about:blank","status":500}`)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.Blob(status, "application/problem+json", data)
		}
		if err != nil {
			log.Debug("writing error response", "error", err)
		}
	}
}

func classify(err error) (int, string) {
	var he *echo.HTTPError
	var verr *services.ValidationError
	var merr *models.ModelError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.As(err, &verr), errors.As(err, &merr), errors.Is(err, tools.ErrInvalidParams):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, checkpoint.ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, checkpoint.ErrTargetBusy), errors.Is(err, checkpoint.ErrSessionClosed),
		errors.Is(err, checkpoint.ErrSessionInUse), errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
