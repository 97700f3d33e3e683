package workspace

import (
	"bufio"
	"os"
	"path"
	"strings"
)

// DefaultIgnore is the compile-time default ignore set: VCS directories,
// environment and credential file patterns, OS noise, and editor
// directories, unioned with any user patterns from .stateignore at the
// workspace root, per spec.md 4.3 step 1.
var DefaultIgnore = []string{
	".git/",
	".hg/",
	".svn/",
	".state/",
	".stateignore",
	"__pycache__/",
	"*.pyc",
	".env",
	".env.*",
	"*.pem",
	"*.key",
	".DS_Store",
	"Thumbs.db",
	".idea/",
	".vscode/",
	"*.swp",
	"*~",
}

// pattern is one parsed ignore rule.
type pattern struct {
	raw      string
	negate   bool
	dirOnly  bool
	hasSlash bool
	glob     string
}

// Matcher evaluates a file or directory path against the union of default
// and user ignore patterns, following the grammar
// original_source/vex/workspace.py's _should_ignore supports: directory-only
// patterns end in "/", the last matching pattern wins (so a later "!"
// pattern un-ignores an earlier match), and a pattern containing
// "/" matches the full relative path while one without matches only the
// basename.
type Matcher struct {
	patterns []pattern
}

// NewMatcher builds a Matcher from the default set plus any patterns parsed
// from a .stateignore file, if present, at root.
func NewMatcher(root string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range DefaultIgnore {
		m.patterns = append(m.patterns, parsePattern(p))
	}
	f, err := os.Open(path.Join(root, ".stateignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		m.patterns = append(m.patterns, parsePattern(line))
	}
	return m, scanner.Err()
}

func parsePattern(raw string) pattern {
	p := pattern{raw: raw}
	s := raw
	if strings.HasPrefix(s, "!") {
		p.negate = true
		s = s[1:]
	}
	if strings.HasSuffix(s, "/") {
		p.dirOnly = true
		s = strings.TrimSuffix(s, "/")
	}
	p.hasSlash = strings.Contains(s, "/")
	p.glob = strings.TrimPrefix(s, "/")
	return p
}

// Match reports whether relPath (slash-separated, relative to the workspace
// root) should be ignored. isDir tells whether relPath names a directory,
// since directory-only patterns only apply to directories.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	ignored := false
	base := path.Base(relPath)
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		var target string
		if p.hasSlash {
			target = relPath
		} else {
			target = base
		}
		matched, err := path.Match(p.glob, target)
		if err != nil {
			continue
		}
		if !matched && p.hasSlash {
			// Also allow a directory-scoped pattern to match any path
			// nested under a matching directory prefix.
			matched = strings.HasPrefix(relPath, p.glob+"/")
		}
		if matched {
			ignored = !p.negate
		}
	}
	return ignored
}
