package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ListCheckpoints returns the checkpoint sessions of a case, newest first
// (GET /api/v1/cases/:id/checkpoints)
func (s *Server) ListCheckpoints(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sessions, err := s.checkpoints.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessions)
}

// GetCheckpoint returns one session with its operations
// (GET /api/v1/checkpoints/:sessionId)
func (s *Server) GetCheckpoint(c echo.Context) error {
	session, err := s.checkpoints.Get(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

// RollbackCheckpoint undoes a session left active by an interrupted
// command. Finished sessions and sessions of commands still running answer
// 409
// (POST /api/v1/checkpoints/:sessionId/rollback)
func (s *Server) RollbackCheckpoint(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("sessionId")
	if err := s.checkpoints.Revert(ctx, id); err != nil {
		return err
	}
	s.log.Info("checkpoint rolled back via api", "session", id)
	session, err := s.checkpoints.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}
