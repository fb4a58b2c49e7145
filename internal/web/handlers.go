package web

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/orchestrator"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

var commitIDRe = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

// Snapshot is the payload pushed on every change.
type Snapshot struct {
	State       *pipeline.State      `json:"state"`
	Log         []audit.Entry        `json:"log"`
	UsageTotals pipeline.TokenTotals `json:"usageTotals"`
}

func (s *Server) snapshot() (Snapshot, error) {
	st, err := s.deps.Store.Get()
	if err != nil && !errors.Is(err, pipeline.ErrNoState) {
		return Snapshot{}, err
	}
	entries, err := s.deps.Log.Entries()
	if err != nil {
		return Snapshot{}, err
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	snap := Snapshot{State: st, Log: entries}
	if st != nil {
		snap.UsageTotals = st.TokenTotals
	}
	return snap, nil
}

func (s *Server) handleState(c echo.Context) error {
	st, err := s.deps.Store.Get()
	if errors.Is(err, pipeline.ErrNoState) {
		return echo.NewHTTPError(http.StatusNotFound, "no pipeline in this project")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleLog(c echo.Context) error {
	var (
		entries []audit.Entry
		err     error
	)
	if stage := c.QueryParam("stage"); stage != "" {
		entries, err = s.deps.Log.ForStage(stage)
	} else {
		entries, err = s.deps.Log.Entries()
	}
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleArtifactList(c echo.Context) error {
	names, err := s.deps.Artifacts.List()
	if err != nil {
		return err
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, names)
}

func (s *Server) handleArtifact(c echo.Context) error {
	name := c.Param("name")
	if err := artifact.ValidName(name); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown artifact")
	}
	text, err := s.deps.Artifacts.Read(name)
	if errors.Is(err, artifact.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not written yet")
	}
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, text)
}

func (s *Server) handleContext(c echo.Context) error {
	stage := c.Param("stage")
	if !pipeline.IsStage(stage) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown stage")
	}
	text, err := s.deps.Artifacts.Context(stage)
	if errors.Is(err, artifact.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no recorded input for stage")
	}
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, text)
}

func (s *Server) handleCommitDiff(c echo.Context) error {
	id := c.Param("id")
	if !commitIDRe.MatchString(id) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid commit id")
	}
	if s.deps.Commits == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no repository")
	}
	diff, err := s.deps.Commits.CommitDiff(id)
	if err != nil {
		s.logger.Debug("commit diff", zap.String("id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusNotFound, "commit not found")
	}
	return c.String(http.StatusOK, diff)
}

// --- mutations ---

// guard rejects mutations while a run is live.
func (s *Server) guard() error {
	st, err := s.deps.Store.Get()
	if errors.Is(err, pipeline.ErrNoState) {
		return echo.NewHTTPError(http.StatusNotFound, "no pipeline in this project")
	}
	if err != nil {
		return err
	}
	if st.Status == pipeline.StatusRunning {
		return echo.NewHTTPError(http.StatusConflict, "pipeline is running; stop it before changing stages")
	}
	return nil
}

func mutationError(err error) error {
	if errors.Is(err, orchestrator.ErrUnknownStage) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}

func (s *Server) handleReset(c echo.Context) error {
	stage := c.Param("stage")
	if !pipeline.IsStage(stage) {
		return mutationError(orchestrator.ErrUnknownStage)
	}
	if err := s.guard(); err != nil {
		return err
	}
	res, err := orchestrator.ResetFrom(c.Request().Context(), s.deps.Store, s.deps.Log, stage)
	if err != nil {
		return mutationError(err)
	}
	s.logger.Info("stages reset", zap.Strings("stages", res.Stages), zap.Int("purged", res.Purged))
	return c.JSON(http.StatusOK, map[string]any{
		"state":  res.State,
		"reset":  res.Stages,
		"purged": res.Purged,
	})
}

func (s *Server) handleSkip(c echo.Context) error {
	stage := c.Param("stage")
	if !pipeline.IsStage(stage) {
		return mutationError(orchestrator.ErrUnknownStage)
	}
	if err := s.guard(); err != nil {
		return err
	}
	st, err := orchestrator.Skip(s.deps.Store, stage)
	if err != nil {
		return mutationError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleUnskip(c echo.Context) error {
	stage := c.Param("stage")
	if !pipeline.IsStage(stage) {
		return mutationError(orchestrator.ErrUnknownStage)
	}
	if err := s.guard(); err != nil {
		return err
	}
	st, err := orchestrator.Unskip(s.deps.Store, stage)
	if err != nil {
		return mutationError(err)
	}
	return c.JSON(http.StatusOK, st)
}
