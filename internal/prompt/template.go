package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value. Missing variables cause an error.
// {{#if variable}}...{{/if}} blocks are included only if the variable is non-empty.
func Render(tmpl string, vars Vars) (string, error) {
	// Process conditional blocks iteratively, innermost first
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	// Second pass: expand variables, collecting any missing ones
	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match // left in place for the error message
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// processConditionals handles {{#if var}}...{{/if}} blocks, innermost first.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		// Find the first {{/if}}
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}

		// the last {{#if}} before the first {{/if}} is the innermost block
		openLocs := ifOpenRe.FindAllStringSubmatchIndex(result[:closeIdx], -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		loc := openLocs[len(openLocs)-1]
		openStart, openEnd := loc[0], loc[1]
		name := result[loc[2]:loc[3]]

		// Keep the body only when the variable is non-empty
		var body string
		if vars[name] != "" {
			body = result[openEnd:closeIdx]
		}
		result = result[:openStart] + body + result[closeIdx+len(ifCloseStr):]
	}

	// Any {{#if}} left over never saw its {{/if}}
	if tag := ifOpenRe.FindString(result); tag != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", tag)
	}
	return result, nil
}

// PromptsDir is where project-level system prompt overrides live.
func PromptsDir(controlDir string) string {
	return filepath.Join(controlDir, "prompts")
}

// SystemPrompt returns the system prompt for stage: the project override in
// <controlDir>/prompts/<file> when present, otherwise the builtin text.
func SystemPrompt(controlDir, stage string) (string, error) {
	file, ok := promptFiles[stage]
	if !ok {
		return "", fmt.Errorf("no system prompt for stage %q", stage)
	}
	if controlDir != "" {
		data, err := os.ReadFile(filepath.Join(PromptsDir(controlDir), file))
		if err == nil && strings.TrimSpace(string(data)) != "" {
			return string(data), nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("read prompt override %s: %w", file, err)
		}
	}
	return builtinPrompts[stage], nil
}

// FileFor returns the override file name for stage, e.g. 08_critic.md.
func FileFor(stage string) string {
	return promptFiles[stage]
}

// Install writes the builtin system prompts into <controlDir>/prompts so they
// can be edited. Existing files are left alone.
func Install(controlDir string) error {
	dir := PromptsDir(controlDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	for stage, file := range promptFiles {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(builtinPrompts[stage]), 0o644); err != nil {
			return fmt.Errorf("write prompt %q: %w", file, err)
		}
	}
	return nil
}

// RenderInput renders the builtin input-context template for stage.
func RenderInput(stage string, vars Vars) (string, error) {
	tmpl, ok := inputTemplates[stage]
	if !ok {
		return "", fmt.Errorf("no input template for stage %q", stage)
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s input: %w", stage, err)
	}
	return out, nil
}
