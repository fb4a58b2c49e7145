package checks

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	NoInterfaces   = "(no exported interfaces found)"
	NoTestPatterns = "(no existing test files)"

	testPatternFiles = 5
	testPatternLines = 20
)

var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".forge":       true,
	"dist":         true,
	"build":        true,
	"coverage":     true,
	"vendor":       true,
}

// InterfaceOptions selects which files feed interface extraction.
type InterfaceOptions struct {
	// ExcludeTests drops test and spec files, for documentation input.
	ExcludeTests bool
}

// Interfaces collects the export lines of the first source files under the
// project, bounded by the probe timeout.
func (p *Prober) Interfaces(ctx context.Context, opts InterfaceOptions) string {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	files := p.walk(ctx, p.opts.MaxInterfaceFiles, func(rel string) bool {
		if !slices.Contains(p.opts.SourceExtensions, filepath.Ext(rel)) {
			return false
		}
		return !(opts.ExcludeTests && isTestFile(rel))
	})

	var b strings.Builder
	for _, rel := range files {
		lines := readLines(filepath.Join(p.opts.Dir, rel), p.opts.MaxInterfaceLines, func(line string) bool {
			return strings.Contains(line, "export")
		})
		if len(lines) == 0 {
			continue
		}
		b.WriteString("\n// " + rel + "\n" + strings.Join(lines, "\n") + "\n")
	}
	if b.Len() == 0 {
		return NoInterfaces
	}
	return b.String()
}

// TestPatterns returns the head of a few existing test files so new tests can
// follow the project's conventions.
func (p *Prober) TestPatterns(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	files := p.walk(ctx, testPatternFiles, isTestFile)

	var b strings.Builder
	for _, rel := range files {
		lines := readLines(filepath.Join(p.opts.Dir, rel), testPatternLines, nil)
		if len(lines) == 0 {
			continue
		}
		b.WriteString("\n// " + rel + "\n" + strings.Join(lines, "\n") + "\n")
	}
	if b.Len() == 0 {
		return NoTestPatterns
	}
	return b.String()
}

// walk returns up to limit project-relative paths accepted by keep, in lexical
// order. It stops early when ctx is done.
func (p *Prober) walk(ctx context.Context, limit int, keep func(rel string) bool) []string {
	var out []string
	_ = filepath.WalkDir(p.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != p.opts.Dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(p.opts.Dir, path)
		if relErr != nil || !keep(filepath.ToSlash(rel)) {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		if len(out) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	return out
}

func isTestFile(rel string) bool {
	base := filepath.Base(rel)
	return strings.Contains(base, ".test.") || strings.Contains(base, ".spec.")
}

// readLines returns up to max lines of path accepted by keep (all lines when
// keep is nil). Unreadable files yield nothing.
func readLines(path string, max int, keep func(string) bool) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() && len(out) < max {
		line := sc.Text()
		if keep == nil || keep(line) {
			out = append(out, line)
		}
	}
	return out
}
