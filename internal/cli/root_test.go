package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/orchestrator"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

func executeCommand(args ...string) (string, error) {
	if args == nil {
		args = []string{}
	}
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// seedProject writes a fresh state document under dir/.forge.
func seedProject(t *testing.T) (string, *pipeline.Store) {
	t.Helper()
	dir := t.TempDir()
	controlDir := filepath.Join(dir, ControlDirName)
	if err := orchestrator.Scaffold(controlDir); err != nil {
		t.Fatal(err)
	}
	store := pipeline.NewStore(controlDir)
	if _, err := store.Create("build X", "0123456789abcdef", pipeline.DefaultSeed()); err != nil {
		t.Fatal(err)
	}
	return dir, store
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "continue", "status", "log", "artifact", "usage",
		"reset", "skip", "unskip", "serve", "history",
		"config", "prompts", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestNoArgsPrintsUsage(t *testing.T) {
	out, err := executeCommand()
	if err != nil {
		t.Fatalf("no-args run should succeed, got %v", err)
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("expected usage, got: %s", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestRunRequiresGoal(t *testing.T) {
	if _, err := executeCommand("run", "--dir", t.TempDir()); err == nil {
		t.Error("expected error for run without a goal")
	}
}

func TestStatus_NoPipeline(t *testing.T) {
	out, err := executeCommand("status", "--dir", t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No pipeline found") {
		t.Errorf("got: %s", out)
	}
}

func TestStatus_RendersStagesAndGates(t *testing.T) {
	dir, store := seedProject(t)
	if _, err := store.Merge(pipeline.Combine(
		pipeline.SetAgent(pipeline.StageResearch, pipeline.AgentPatch{
			Status:    pipeline.Ptr(pipeline.AgentPassed),
			TokensIn:  pipeline.Ptr(1200),
			TokensOut: pipeline.Ptr(300),
		}),
		pipeline.SetGate(pipeline.GateTestCoverage, pipeline.Ptr(false)),
	)); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("status", "--dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"build X", "01234567", "completeness_judge", "1200/300", "test_coverage", "failed", "1200 in / 300 out"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestSkipUnskipCommands(t *testing.T) {
	dir, store := seedProject(t)

	if _, err := executeCommand("skip", "deployer", "--dir", dir); err != nil {
		t.Fatalf("skip: %v", err)
	}
	st, _ := store.Get()
	if st.Agent(pipeline.StageDeployer).Status != pipeline.AgentSkipped {
		t.Errorf("deployer = %q", st.Agent(pipeline.StageDeployer).Status)
	}

	if _, err := executeCommand("unskip", "deployer", "--dir", dir); err != nil {
		t.Fatalf("unskip: %v", err)
	}
	st, _ = store.Get()
	if st.Agent(pipeline.StageDeployer).Status != pipeline.AgentPending {
		t.Errorf("deployer = %q", st.Agent(pipeline.StageDeployer).Status)
	}
}

func TestResetCommand(t *testing.T) {
	dir, store := seedProject(t)
	if _, err := store.Merge(pipeline.Combine(
		pipeline.Patch{Status: pipeline.Ptr(pipeline.StatusEscalated)},
		pipeline.SetGate(pipeline.GateSecurity, pipeline.Ptr(false)),
		pipeline.SetAgent(pipeline.StageSecurityAuditor, pipeline.AgentPatch{Status: pipeline.Ptr(pipeline.AgentPassed)}),
	)); err != nil {
		t.Fatal(err)
	}
	log := audit.New(filepath.Join(dir, ControlDirName), nil)
	if _, err := log.Append(context.Background(), audit.Entry{Agent: pipeline.StageSecurityAuditor, Phase: "10"}); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("reset", "security_auditor", "--dir", dir)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(out, "1 log entries removed") || !strings.Contains(out, "interrupted") {
		t.Errorf("reset output: %s", out)
	}
	st, _ := store.Get()
	if st.Gate(pipeline.GateSecurity) != nil {
		t.Errorf("security gate = %v", *st.Gate(pipeline.GateSecurity))
	}
}

func TestMutationCommandsRejectUnknownStage(t *testing.T) {
	dir, _ := seedProject(t)
	for _, c := range []string{"reset", "skip", "unskip"} {
		_, err := executeCommand(c, "reviewer", "--dir", dir)
		if !errors.Is(err, orchestrator.ErrUnknownStage) {
			t.Errorf("%s: err = %v", c, err)
		}
	}
}

func TestMutationCommandsRefuseRunningPipeline(t *testing.T) {
	dir, store := seedProject(t)
	if _, err := store.Merge(pipeline.Patch{Status: pipeline.Ptr(pipeline.StatusRunning)}); err != nil {
		t.Fatal(err)
	}
	_, err := executeCommand("skip", "deployer", "--dir", dir)
	if err == nil || !strings.Contains(err.Error(), "running") {
		t.Errorf("err = %v", err)
	}
}

func TestArtifactCommand(t *testing.T) {
	dir, _ := seedProject(t)
	store := artifact.NewStore(filepath.Join(dir, ControlDirName))
	if err := store.Write(artifact.PRD, "# PRD\n- R1: login\n"); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("artifact", "--dir", dir)
	if err != nil || !strings.Contains(out, artifact.PRD) {
		t.Errorf("list: %v %s", err, out)
	}
	out, err = executeCommand("artifact", artifact.PRD, "--dir", dir)
	if err != nil || !strings.Contains(out, "R1: login") {
		t.Errorf("read: %v %s", err, out)
	}
	if _, err := executeCommand("artifact", artifact.UXSpec, "--dir", dir); err == nil {
		t.Error("expected error for unwritten artifact")
	}
}

func TestLogCommand(t *testing.T) {
	dir, _ := seedProject(t)
	log := audit.New(filepath.Join(dir, ControlDirName), nil)
	ctx := context.Background()
	if _, err := log.Append(ctx, audit.Entry{Agent: pipeline.StageResearch, Phase: "1", Decision: "research gathered"}); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(ctx, audit.Entry{Agent: pipeline.StageAnalyst, Phase: "2", Decision: "PRD generated"}); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("log", "--dir", dir, "--stage", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "research gathered") || !strings.Contains(out, "PRD generated") {
		t.Errorf("log output: %s", out)
	}

	out, err = executeCommand("log", "--dir", dir, "--stage", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "research gathered") || !strings.Contains(out, "PRD generated") {
		t.Errorf("filtered log output: %s", out)
	}
}

func TestUsageCommand(t *testing.T) {
	dir, _ := seedProject(t)
	log := audit.New(filepath.Join(dir, ControlDirName), nil)
	in, out := 2500, 400
	if _, err := log.Append(context.Background(), audit.Entry{
		Agent: pipeline.StageArchitect, Phase: "3", TokensIn: &in, TokensOut: &out,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := executeCommand("usage", "--dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "architect") || !strings.Contains(got, "Total: 2500 in / 400 out") {
		t.Errorf("usage output: %s", got)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	if _, err := executeCommand("config", "init", "--dir", dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "forge.yaml")); err != nil {
		t.Fatalf("forge.yaml not written: %v", err)
	}
	if _, err := executeCommand("config", "init", "--dir", dir); err == nil {
		t.Error("second init should refuse to overwrite")
	}

	out, err := executeCommand("config", "show", "--dir", dir)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "max_critic_fixer: 3") {
		t.Errorf("show output: %s", out)
	}
	if _, err := executeCommand("config", "validate", "--dir", dir); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestPromptsInstall(t *testing.T) {
	dir := t.TempDir()
	if _, err := executeCommand("prompts", "install", "--dir", dir); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, ControlDirName, "prompts"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(pipeline.StageOrder) {
		t.Errorf("installed %d prompts, want %d", len(entries), len(pipeline.StageOrder))
	}
}

func TestReportResult(t *testing.T) {
	var buf bytes.Buffer
	if err := reportResult(&buf, &orchestrator.Result{Status: pipeline.StatusEscalated, Stage: pipeline.StageCritic}); err != nil {
		t.Errorf("escalation must not be an error: %v", err)
	}
	if err := reportResult(&buf, &orchestrator.Result{Status: pipeline.StatusComplete}); err != nil {
		t.Errorf("complete: %v", err)
	}
	if err := reportResult(&buf, &orchestrator.Result{Status: pipeline.StatusInterrupted, Stage: pipeline.StageArchitect}); err != nil {
		t.Errorf("interrupted: %v", err)
	}
	if !strings.Contains(buf.String(), "forge continue") {
		t.Errorf("interrupt hint missing: %s", buf.String())
	}

	cause := errors.New("claude: command not found")
	err := reportResult(&buf, &orchestrator.Result{Status: pipeline.StatusFailed, Stage: pipeline.StageResearch, Err: cause})
	if !errors.Is(err, cause) {
		t.Errorf("failed run err = %v", err)
	}
}
