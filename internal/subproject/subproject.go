// Package subproject is Conductor's Subproject Detector: it maps a
// repository's file tree into logical subprojects via glob patterns, either
// auto-detected or explicitly configured (spec §4, "Subproject Detector").
package subproject

import (
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conductor-dev/conductor/internal/config"
)

// Subproject is one detected or configured logical unit of the repository.
type Subproject struct {
	Path         string
	Name         string
	Language     string
	TestCommand  string
	BuildCommand string
}

// Detect resolves the subprojects of a repository given its file tree
// (repository-relative paths) and config. Explicit entries always win;
// auto-detected directories are derived from the glob patterns, matching
// one path segment per `*` the way config.AutoDetect.Patterns documents.
func Detect(files []string, cfg config.Subprojects) []Subproject {
	seen := make(map[string]Subproject)

	for _, sp := range cfg.Explicit {
		seen[sp.Path] = Subproject{
			Path:         sp.Path,
			Name:         sp.Name,
			Language:     sp.Language,
			TestCommand:  sp.TestCommand,
			BuildCommand: sp.BuildCommand,
		}
	}

	if cfg.AutoDetect.Enabled {
		for _, dir := range autoDetectDirs(files, cfg.AutoDetect.Patterns) {
			if _, exists := seen[dir]; exists {
				continue
			}
			seen[dir] = Subproject{Path: dir, Name: path.Base(dir)}
		}
	}

	out := make([]Subproject, 0, len(seen))
	for _, sp := range seen {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// autoDetectDirs returns the set of directories that match one of patterns
// as a directory-of-files glob (e.g. "packages/*" matches "packages/foo"
// for any file under "packages/foo/...").
func autoDetectDirs(files []string, patterns []string) []string {
	dirSet := make(map[string]struct{})
	for _, f := range files {
		dir := path.Dir(f)
		for dir != "." && dir != "/" {
			for _, pattern := range patterns {
				if matched, _ := doublestar.Match(pattern, dir); matched {
					dirSet[dir] = struct{}{}
				}
			}
			dir = path.Dir(dir)
		}
	}
	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// ResolvePath reports the subproject whose path matches filePath's
// directory, or "." if none match — used to assign a changed file to a
// subtask's subprojectPath.
func ResolvePath(filePath string, subprojects []Subproject) string {
	best := "."
	for _, sp := range subprojects {
		if sp.Path == "." {
			continue
		}
		if strings.HasPrefix(filePath, sp.Path+"/") && len(sp.Path) > len(best) {
			best = sp.Path
		}
	}
	return best
}
