package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

type pathExpander struct {
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
}

func newPathExpander(logger log.Logger, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker) pathExpander {
	return pathExpander{
		logger:       logger,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
	}
}

// expand resolves glob patterns and directories into a sorted, de-duplicated list of
// absolute file paths. Paths that don't exist are skipped with a warning.
func (e pathExpander) expand(paths []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := e.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			e.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	seen := map[string]bool{}
	var finalPaths []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			finalPaths = append(finalPaths, path)
		}
	}

	for _, path := range expandedPaths {
		absPath, err := e.pathModifier.AbsPath(path)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := e.pathChecker.IsPathExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			e.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		isDir, err := e.pathChecker.IsDirExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
			continue
		}
		if !isDir {
			add(absPath)
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(absPath), "**", doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			e.logger.Warnf("Failed to list directory %s, error: %s", absPath, err)
			continue
		}
		for _, match := range matches {
			add(filepath.Join(absPath, match))
		}
	}

	sort.Strings(finalPaths)
	return finalPaths, nil
}
