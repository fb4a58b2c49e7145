package context

import (
	"os"
	"path/filepath"
)

// DefaultSkillCharLimit caps each injected skill.
const DefaultSkillCharLimit = 2000

// Skill is a loaded skill document.
type Skill struct {
	Name    string
	Content string
}

// SkillLoader finds skill documents in an ordered list of directories.
// Relative directories resolve against the project root.
type SkillLoader struct {
	dirs  []string
	limit int
}

// NewSkillLoader creates a loader. A limit of zero uses DefaultSkillCharLimit.
func NewSkillLoader(projectDir string, dirs []string, limit int) *SkillLoader {
	if limit <= 0 {
		limit = DefaultSkillCharLimit
	}
	resolved := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(projectDir, d)
		}
		resolved = append(resolved, d)
	}
	return &SkillLoader{dirs: resolved, limit: limit}
}

// Load returns the first <dir>/<name>/SKILL.md or <dir>/<name>.md found.
func (l *SkillLoader) Load(name string) (Skill, bool) {
	for _, dir := range l.dirs {
		for _, p := range []string{
			filepath.Join(dir, name, "SKILL.md"),
			filepath.Join(dir, name+".md"),
		} {
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			content := string(data)
			if len(content) > l.limit {
				content = content[:l.limit]
			}
			return Skill{Name: name, Content: content}, true
		}
	}
	return Skill{}, false
}

// LoadAll loads the named skills, skipping any that are not installed.
func (l *SkillLoader) LoadAll(names []string) []Skill {
	var out []Skill
	for _, n := range names {
		if s, ok := l.Load(n); ok {
			out = append(out, s)
		}
	}
	return out
}
