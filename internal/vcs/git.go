// Package vcs snapshots the working tree into git commits and computes the
// diffs later stages review.
package vcs

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// DefaultExcludes keeps documentation, lock, generated and migration files out
// of review diffs. Manifests and config (package.json, compose files, CI
// workflows) are source and stay in.
var DefaultExcludes = []string{
	// docs
	"*.md", "*.mdx", "*.rst", "docs/",
	// lock files
	"*.lock", "package-lock.json", "yarn.lock", "pnpm-lock.yaml", "go.sum",
	// generated
	"**/generated/**", "*.generated.*", "*.gen.*", "*.min.js", "*.map",
	// migrations
	"**/migrations/**",
}

// scanDepth bounds how far back LastMeaningfulSnapshot looks.
const scanDepth = 50

const inProgressMarker = "status: running"

var trailerRe = regexp.MustCompile(`\[forge-stage: ([^|\]]+?) \| phase: ([^|\]]+?) \|`)

// Snapshot describes one commit of the working tree.
type Snapshot struct {
	Subject    string
	Body       []string
	Stage      string
	Phase      string
	TokensIn   *int
	TokensOut  *int
	InProgress bool // partial work kept after an interruption or transport failure
}

// Message renders the commit message with its trailer.
func (s Snapshot) Message() string {
	var b strings.Builder
	b.WriteString(s.Subject)
	b.WriteString("\n")
	if len(s.Body) > 0 {
		b.WriteString("\n")
		for _, line := range s.Body {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	fmt.Fprintf(&b, "\n[forge-stage: %s | phase: %s | tokens-in: %s | tokens-out: %s",
		s.Stage, s.Phase, fmtTokens(s.TokensIn), fmtTokens(s.TokensOut))
	if s.InProgress {
		b.WriteString(" | " + inProgressMarker)
	}
	b.WriteString("]\n")
	return b.String()
}

func fmtTokens(v *int) string {
	if v == nil {
		return "?"
	}
	return fmt.Sprint(*v)
}

// ParseTrailer extracts stage and phase from a snapshot message.
func ParseTrailer(msg string) (stage, phase string, ok bool) {
	m := trailerRe.FindStringSubmatch(msg)
	if m == nil {
		return "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
}

// Commit is a summarised log entry.
type Commit struct {
	ID      string
	Subject string
	When    time.Time
}

// Git is the version-control collaborator backed by go-git.
type Git struct {
	mu       sync.Mutex // serialises worktree writes from concurrent stages
	repo     *git.Repository
	excludes gitignore.Matcher
	author   object.Signature
}

// Open opens the repository at dir, initialising one when absent.
func Open(dir string, excludes []string) (*Git, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	if excludes == nil {
		excludes = DefaultExcludes
	}
	patterns := make([]gitignore.Pattern, 0, len(excludes))
	for _, p := range excludes {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}
	return &Git{
		repo:     repo,
		excludes: gitignore.NewMatcher(patterns),
		author:   object.Signature{Name: "forge", Email: "forge@localhost"},
	}, nil
}

// SetAuthor overrides the commit signature.
func (g *Git) SetAuthor(name, email string) {
	g.author.Name = name
	g.author.Email = email
}

// Snapshot stages every change and commits it. It returns the short commit id,
// or "" when the tree is unchanged.
func (g *Git) Snapshot(s Snapshot) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if len(wt.Excludes) == 0 {
		if patterns, err := gitignore.ReadPatterns(wt.Filesystem, nil); err == nil {
			wt.Excludes = patterns
		}
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}

	sig := g.author
	sig.When = time.Now()
	hash, err := wt.Commit(s.Message(), &git.CommitOptions{Author: &sig})
	if errors.Is(err, git.ErrEmptyCommit) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return shortID(hash), nil
}

func shortID(h plumbing.Hash) string {
	return h.String()[:7]
}

// ScopedDiff returns the filtered diff from since to HEAD. An empty since
// diffs HEAD against its first parent.
func (g *Git) ScopedDiff(since string) (string, error) {
	head, err := g.headCommit()
	if err != nil || head == nil {
		return "", err
	}
	var from *object.Commit
	if since != "" {
		from, err = g.commit(since)
		if err != nil {
			return "", err
		}
	} else if head.NumParents() > 0 {
		from, err = head.Parent(0)
		if err != nil {
			return "", fmt.Errorf("parent of HEAD: %w", err)
		}
	}
	return g.diff(from, head, true)
}

// FullDiff returns the filtered diff from the first snapshot to HEAD.
func (g *Git) FullDiff() (string, error) {
	head, err := g.headCommit()
	if err != nil || head == nil {
		return "", err
	}
	root := head
	for root.NumParents() > 0 {
		root, err = root.Parent(0)
		if err != nil {
			return "", fmt.Errorf("walk to root: %w", err)
		}
	}
	return g.diff(root, head, true)
}

// CommitDiff returns the unfiltered diff a single snapshot introduced.
func (g *Git) CommitDiff(id string) (string, error) {
	c, err := g.commit(id)
	if err != nil {
		return "", err
	}
	var parent *object.Commit
	if c.NumParents() > 0 {
		if parent, err = c.Parent(0); err != nil {
			return "", fmt.Errorf("parent of %s: %w", id, err)
		}
	}
	return g.diff(parent, c, false)
}

// LastMeaningfulSnapshot returns the newest snapshot among the last 50 commits
// that carries a stage trailer, is not an in-progress marker and was not made
// by one of skipStages. It returns "" when none qualifies.
func (g *Git) LastMeaningfulSnapshot(skipStages ...string) (string, error) {
	head, err := g.headCommit()
	if err != nil || head == nil {
		return "", err
	}
	skip := make(map[string]bool, len(skipStages))
	for _, s := range skipStages {
		skip[s] = true
	}

	iter, err := g.repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return "", fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	for i := 0; i < scanDepth; i++ {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("log: %w", err)
		}
		stage, _, ok := ParseTrailer(c.Message)
		if !ok || strings.Contains(c.Message, inProgressMarker) || skip[stage] {
			continue
		}
		return shortID(c.Hash), nil
	}
	return "", nil
}

// Log returns up to n commits from HEAD, newest first.
func (g *Git) Log(n int) ([]Commit, error) {
	head, err := g.headCommit()
	if err != nil || head == nil {
		return nil, err
	}
	iter, err := g.repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	for len(out) < n {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		out = append(out, Commit{ID: shortID(c.Hash), Subject: subject, When: c.Author.When})
	}
	return out, nil
}

// headCommit returns nil, nil for a repository without commits.
func (g *Git) headCommit() (*object.Commit, error) {
	ref, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	c, err := g.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}
	return c, nil
}

func (g *Git) commit(id string) (*object.Commit, error) {
	hash, err := g.repo.ResolveRevision(plumbing.Revision(id))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	c, err := g.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", id, err)
	}
	return c, nil
}

// diff renders the patch between two commits; a nil from is the empty tree.
func (g *Git) diff(from, to *object.Commit, filtered bool) (string, error) {
	var fromTree *object.Tree
	if from != nil {
		t, err := from.Tree()
		if err != nil {
			return "", fmt.Errorf("tree of %s: %w", shortID(from.Hash), err)
		}
		fromTree = t
	}
	toTree, err := to.Tree()
	if err != nil {
		return "", fmt.Errorf("tree of %s: %w", shortID(to.Hash), err)
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return "", fmt.Errorf("diff trees: %w", err)
	}
	if filtered {
		kept := changes[:0]
		for _, ch := range changes {
			if !g.Excluded(changeName(ch)) {
				kept = append(kept, ch)
			}
		}
		changes = kept
	}
	if len(changes) == 0 {
		return "", nil
	}
	patch, err := changes.Patch()
	if err != nil {
		return "", fmt.Errorf("render patch: %w", err)
	}
	return patch.String(), nil
}

func changeName(ch *object.Change) string {
	if ch.To.Name != "" {
		return ch.To.Name
	}
	return ch.From.Name
}

// Excluded reports whether path is filtered out of scoped diffs.
func (g *Git) Excluded(path string) bool {
	return g.excludes.Match(strings.Split(path, "/"), false)
}
