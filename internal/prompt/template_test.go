package prompt

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/lucasnoah/buildforge/internal/pipeline"
)

func TestRender_SimpleVars(t *testing.T) {
	result, err := Render("Stage {{stage}} of goal {{goal}}.", Vars{"stage": "critic", "goal": "build X"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Stage critic of goal build X." {
		t.Errorf("got %q", result)
	}
}

func TestRender_MultipleMissing(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{c}}", Vars{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should mention %s, got: %v", name, err)
		}
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "Start.{{#if note}}[{{note}}]{{/if}}End.", Vars{"note": "hi"}, "Start.[hi]End."},
		{"absent", "Start.{{#if note}}[{{note}}]{{/if}}End.", Vars{}, "Start.End."},
		{"empty string", "{{#if note}}has note{{/if}}", Vars{"note": ""}, ""},
		{"two blocks", "{{#if a}}A={{a}}{{/if}} {{#if b}}B={{b}}{{/if}}", Vars{"a": "yes"}, "A=yes "},
		{"nested both", "{{#if a}}<{{#if b}}{{b}}{{/if}}>{{/if}}", Vars{"a": "1", "b": "2"}, "<2>"},
		{"nested outer absent", "{{#if a}}<{{#if b}}{{b}}{{/if}}>{{/if}}", Vars{"b": "2"}, ""},
		{"whitespace in tag", "{{#if  a }}x{{/if}}", Vars{"a": "1"}, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_VarValueContainsTemplateSyntax(t *testing.T) {
	// diffs routinely contain braces; values are not re-expanded
	result, err := Render("{{diff}}", Vars{"diff": "+ const x = `{{name}}`"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "+ const x = `{{name}}`" {
		t.Errorf("got %q", result)
	}
}

func TestRender_Malformed(t *testing.T) {
	if _, err := Render("{{#if a}}never closed", Vars{"a": "1"}); err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Errorf("expected unclosed error, got %v", err)
	}
	if _, err := Render("stray {{/if}}", Vars{}); err == nil || !strings.Contains(err.Error(), "dangling") {
		t.Errorf("expected dangling error, got %v", err)
	}
}

func TestEveryStageHasPromptAndInput(t *testing.T) {
	for _, stage := range pipeline.StageOrder {
		if FileFor(stage) == "" {
			t.Errorf("stage %s has no prompt file", stage)
		}
		if strings.TrimSpace(builtinPrompts[stage]) == "" {
			t.Errorf("stage %s has no builtin prompt", stage)
		}
		if _, ok := inputTemplates[stage]; !ok {
			t.Errorf("stage %s has no input template", stage)
		}
	}
}

func TestRenderInputAllVarsEmpty(t *testing.T) {
	varRe := regexp.MustCompile(`\{\{([a-z_]+)\}\}`)
	for stage, tmpl := range inputTemplates {
		vars := Vars{}
		for _, m := range varRe.FindAllStringSubmatch(tmpl, -1) {
			vars[m[1]] = ""
		}
		if _, err := RenderInput(stage, vars); err != nil {
			t.Errorf("RenderInput(%s): %v", stage, err)
		}
	}
	if _, err := RenderInput("reviewer", Vars{}); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestRenderInputCritic(t *testing.T) {
	out, err := RenderInput(pipeline.StageCritic, Vars{"diff": "+func main() {}", "requirements": "REQ-001 [must] x"})
	if err != nil {
		t.Fatalf("RenderInput: %v", err)
	}
	if !strings.Contains(out, "## Git Diff (source files only)\n\n+func main() {}") {
		t.Errorf("diff section missing:\n%s", out)
	}
	if !strings.Contains(out, "REQ-001") {
		t.Errorf("requirements missing:\n%s", out)
	}
}

func TestSystemPromptOverride(t *testing.T) {
	controlDir := t.TempDir()
	got, err := SystemPrompt(controlDir, pipeline.StageCritic)
	if err != nil {
		t.Fatalf("SystemPrompt: %v", err)
	}
	if got != criticPrompt {
		t.Error("expected builtin critic prompt without override")
	}

	if err := os.MkdirAll(PromptsDir(controlDir), 0o755); err != nil {
		t.Fatal(err)
	}
	override := "You are a very strict critic."
	if err := os.WriteFile(filepath.Join(PromptsDir(controlDir), "08_critic.md"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = SystemPrompt(controlDir, pipeline.StageCritic)
	if err != nil {
		t.Fatalf("SystemPrompt: %v", err)
	}
	if got != override {
		t.Errorf("got %q, want override", got)
	}

	if _, err := SystemPrompt(controlDir, "reviewer"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestInstallKeepsExisting(t *testing.T) {
	controlDir := t.TempDir()
	dir := PromptsDir(controlDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	custom := filepath.Join(dir, "01_research.md")
	if err := os.WriteFile(custom, []byte("custom"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Install(controlDir); err != nil {
		t.Fatalf("Install: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(promptFiles) {
		t.Errorf("installed %d files, want %d", len(entries), len(promptFiles))
	}
	data, _ := os.ReadFile(custom)
	if string(data) != "custom" {
		t.Errorf("existing prompt overwritten: %q", data)
	}
}
