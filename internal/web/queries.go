package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lucasnoah/buildforge/internal/analytics"
	"github.com/lucasnoah/buildforge/internal/db"
)

const defaultHistoryLimit = 100

// HistorySource reads lifecycle events from the Postgres mirror.
type HistorySource interface {
	PipelineHistory(ctx context.Context, runID string, limit int) ([]db.PipelineEvent, error)
}

// historyEvent is the wire form of db.PipelineEvent.
type historyEvent struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	Stage     string    `json:"stage,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHistory returns the current run's lifecycle events, newest first.
func (s *Server) handleHistory(c echo.Context) error {
	if s.deps.History == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no database configured")
	}
	runID := c.QueryParam("run")
	if runID == "" {
		st, err := s.deps.Store.Get()
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "no pipeline in this project")
		}
		runID = st.RunID
	}
	limit := defaultHistoryLimit
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		limit = v
	}

	events, err := s.deps.History.PipelineHistory(c.Request().Context(), runID, limit)
	if err != nil {
		return err
	}
	out := make([]historyEvent, 0, len(events))
	for _, e := range events {
		he := historyEvent{ID: e.ID, Event: e.Event, Timestamp: e.Timestamp}
		if e.Stage != nil {
			he.Stage = *e.Stage
		}
		if e.Detail != nil {
			he.Detail = *e.Detail
		}
		out = append(out, he)
	}
	return c.JSON(http.StatusOK, out)
}

// handleUsage summarises the audit log per stage.
func (s *Server) handleUsage(c echo.Context) error {
	entries, err := s.deps.Log.Entries()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, analytics.Summarize(entries))
}
