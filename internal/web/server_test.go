package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/buildforge/internal/analytics"
	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/db"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

type fakeDiffer struct {
	diffs map[string]string
}

func (f *fakeDiffer) CommitDiff(id string) (string, error) {
	d, ok := f.diffs[id]
	if !ok {
		return "", errors.New("object not found")
	}
	return d, nil
}

type fakeHistory struct {
	runID  string
	events []db.PipelineEvent
}

func (f *fakeHistory) PipelineHistory(_ context.Context, runID string, limit int) ([]db.PipelineEvent, error) {
	f.runID = runID
	if limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

type testEnv struct {
	dir       string
	store     *pipeline.Store
	log       *audit.Log
	artifacts *artifact.Store
	srv       *Server
}

func newTestEnv(t *testing.T, deps Deps) *testEnv {
	t.Helper()
	dir := t.TempDir()
	e := &testEnv{
		dir:       dir,
		store:     pipeline.NewStore(dir),
		log:       audit.New(dir, nil),
		artifacts: artifact.NewStore(dir),
	}
	deps.Store, deps.Log, deps.Artifacts = e.store, e.log, e.artifacts
	e.srv = NewServer(deps, "127.0.0.1:0")
	return e
}

func (e *testEnv) create(t *testing.T) *pipeline.State {
	t.Helper()
	st, err := e.store.Create("build a todo app", "run-1", pipeline.DefaultSeed())
	require.NoError(t, err)
	return st
}

func (e *testEnv) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestState(t *testing.T) {
	e := newTestEnv(t, Deps{})
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/state").Code)

	e.create(t)
	rec := e.do(http.MethodGet, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var st pipeline.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "build a todo app", st.Goal)
	assert.Equal(t, pipeline.StatusInitialising, st.Status)
}

func TestLog_FiltersByStage(t *testing.T) {
	e := newTestEnv(t, Deps{})
	ctx := context.Background()
	_, err := e.log.Append(ctx, audit.Entry{Agent: pipeline.StageResearch, Phase: "1", Decision: "research gathered"})
	require.NoError(t, err)
	_, err = e.log.Append(ctx, audit.Entry{Agent: pipeline.StageAnalyst, Phase: "2", Decision: "PRD generated"})
	require.NoError(t, err)

	var all []audit.Entry
	require.NoError(t, json.Unmarshal(e.do(http.MethodGet, "/api/log").Body.Bytes(), &all))
	assert.Len(t, all, 2)

	var analyst []audit.Entry
	require.NoError(t, json.Unmarshal(e.do(http.MethodGet, "/api/log?stage=analyst").Body.Bytes(), &analyst))
	require.Len(t, analyst, 1)
	assert.Equal(t, "PRD generated", analyst[0].Decision)
}

func TestLog_EmptyIsArray(t *testing.T) {
	e := newTestEnv(t, Deps{})
	rec := e.do(http.MethodGet, "/api/log")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestArtifacts(t *testing.T) {
	e := newTestEnv(t, Deps{})
	require.NoError(t, e.artifacts.Write(artifact.PRD, "# PRD\n"))

	rec := e.do(http.MethodGet, "/api/artifacts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), artifact.PRD)

	rec = e.do(http.MethodGet, "/api/artifacts/prd.md")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# PRD\n", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/artifacts/ux_spec.md").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/artifacts/..state.json").Code)
}

func TestContext(t *testing.T) {
	e := newTestEnv(t, Deps{})
	require.NoError(t, e.artifacts.SaveContext(pipeline.StageCritic, "## Goal\nbuild X\n"))

	rec := e.do(http.MethodGet, "/api/context/critic")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "build X")

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/context/fixer").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/context/reviewer").Code)
}

func TestCommitDiff(t *testing.T) {
	e := newTestEnv(t, Deps{Commits: &fakeDiffer{diffs: map[string]string{
		"abc1234": "diff --git a/app.js b/app.js\n",
	}}})

	rec := e.do(http.MethodGet, "/api/commits/abc1234/diff")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app.js")

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/commits/def5678/diff").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/commits/HEAD~1/diff").Code)
}

func TestCommitDiff_NoRepository(t *testing.T) {
	e := newTestEnv(t, Deps{})
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/commits/abc1234/diff").Code)
}

func TestMutations(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.create(t)

	rec := e.do(http.MethodPost, "/api/stages/deployer/skip")
	require.Equal(t, http.StatusOK, rec.Code)
	st, err := e.store.Get()
	require.NoError(t, err)
	assert.Equal(t, pipeline.AgentSkipped, st.Agent(pipeline.StageDeployer).Status)

	rec = e.do(http.MethodPost, "/api/stages/deployer/unskip")
	require.Equal(t, http.StatusOK, rec.Code)
	st, err = e.store.Get()
	require.NoError(t, err)
	assert.Equal(t, pipeline.AgentPending, st.Agent(pipeline.StageDeployer).Status)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/stages/reviewer/reset").Code)
}

func TestReset_NullsOwnedGate(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.create(t)
	_, err := e.store.Merge(pipeline.Combine(
		pipeline.SetGate(pipeline.GateSecurity, pipeline.Ptr(true)),
		pipeline.SetGate(pipeline.GateCriticScore, pipeline.Ptr(true)),
		pipeline.SetAgent(pipeline.StageSecurityAuditor, pipeline.AgentPatch{Status: pipeline.Ptr(pipeline.AgentPassed)}),
	))
	require.NoError(t, err)
	_, err = e.log.Append(context.Background(), audit.Entry{Agent: pipeline.StageSecurityAuditor, Phase: "10"})
	require.NoError(t, err)

	rec := e.do(http.MethodPost, "/api/stages/security_auditor/reset")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Reset  []string `json:"reset"`
		Purged int      `json:"purged"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Purged)
	assert.Contains(t, body.Reset, pipeline.StageSecurityAuditor)

	st, err := e.store.Get()
	require.NoError(t, err)
	assert.Nil(t, st.Gate(pipeline.GateSecurity))
	require.NotNil(t, st.Gate(pipeline.GateCriticScore))
	assert.True(t, *st.Gate(pipeline.GateCriticScore))
	assert.Equal(t, pipeline.AgentPending, st.Agent(pipeline.StageSecurityAuditor).Status)
}

func TestMutations_RejectedWhileRunning(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.create(t)
	_, err := e.store.Merge(pipeline.Patch{Status: pipeline.Ptr(pipeline.StatusRunning)})
	require.NoError(t, err)

	for _, action := range []string{"reset", "skip", "unskip"} {
		rec := e.do(http.MethodPost, "/api/stages/critic/"+action)
		assert.Equal(t, http.StatusConflict, rec.Code, action)
	}
}

func TestEvents_InitialSnapshot(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.create(t)
	_, err := e.log.Append(context.Background(), audit.Entry{Agent: pipeline.StageResearch, Phase: "1"})
	require.NoError(t, err)

	rec := e.do(http.MethodGet, "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "data: "), body)

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(body, "data: "))), &snap))
	require.NotNil(t, snap.State)
	assert.Equal(t, "run-1", snap.State.RunID)
	assert.Len(t, snap.Log, 1)
	assert.Equal(t, 0, snap.UsageTotals.In)
}

func TestEvents_NoPipelineYet(t *testing.T) {
	e := newTestEnv(t, Deps{})
	rec := e.do(http.MethodGet, "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":null`)
}

func TestHistory(t *testing.T) {
	stage := pipeline.StageCritic
	h := &fakeHistory{events: []db.PipelineEvent{
		{ID: 2, RunID: "run-1", Event: "escalated", Stage: &stage, Timestamp: time.Now()},
		{ID: 1, RunID: "run-1", Event: "created", Timestamp: time.Now()},
	}}
	e := newTestEnv(t, Deps{History: h})
	e.create(t)

	rec := e.do(http.MethodGet, "/api/history?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", h.runID)

	var events []historyEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "escalated", events[0].Event)
	assert.Equal(t, "critic", events[0].Stage)
}

func TestHistory_NoDatabase(t *testing.T) {
	e := newTestEnv(t, Deps{})
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/history").Code)
}

func TestIndexAndHealth(t *testing.T) {
	e := newTestEnv(t, Deps{})
	rec := e.do(http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EventSource")
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health").Code)
}

func TestBroadcaster_NotifiesOnStateWrite(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBroadcaster(dir, nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	changes, unsubscribe := b.Subscribe()
	defer unsubscribe()

	// unrelated files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	select {
	case <-changes:
		t.Fatal("notified for an unwatched file")
	case <-time.After(2 * debounceDelay):
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0o644))
	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("no notification after state write")
	}
}

func TestBroadcaster_CloseDisconnects(t *testing.T) {
	b, err := NewBroadcaster(t.TempDir(), nil)
	require.NoError(t, err)

	changes, unsubscribe := b.Subscribe()
	require.NoError(t, b.Close())
	_, ok := <-changes
	assert.False(t, ok)
	unsubscribe()

	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestUsage(t *testing.T) {
	e := newTestEnv(t, Deps{})
	in, out := 4000, 500
	_, err := e.log.Append(context.Background(), audit.Entry{
		Agent: pipeline.StageCritic, Phase: "8.1", TokensIn: &in, TokensOut: &out,
	})
	require.NoError(t, err)

	rec := e.do(http.MethodGet, "/api/usage")
	require.Equal(t, http.StatusOK, rec.Code)

	var sum analytics.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Len(t, sum.Stages, 1)
	assert.Equal(t, 4000, sum.Stages[0].TokensIn)
	assert.Equal(t, 1, sum.Review.Iterations)
}
