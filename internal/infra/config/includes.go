package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxIncludeDepth = 10

// processIncludes merges the definition files listed in def.Includes into def.
// basePath is the directory of the file that declared the includes. visited
// tracks absolute paths to detect cycles.
func processIncludes(def *Definition, basePath string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := def.Includes
	def.Includes = nil
	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, basePath)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("includes: abs path %q: %w", p, err)
			}
			if visited[abs] {
				return fmt.Errorf("includes: circular include of %q", abs)
			}
			visited[abs] = true

			if err := mergeFile(def, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveIncludePaths expands pattern relative to baseDir. Patterns may not
// escape baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("includes: path %q escapes definition directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		// A literal path that does not exist is reported by mergeFile.
		if !strings.ContainsAny(pattern, "*?[") {
			return []string{pattern}, nil
		}
		return nil, nil
	}
	return matches, nil
}

// mergeFile decodes path on top of def, then follows its own includes.
func mergeFile(def *Definition, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("includes: %w", err)
	}

	node, err := readDocument(path, def)
	if err != nil {
		return fmt.Errorf("includes: %w", err)
	}
	if node == nil {
		return nil
	}
	if err := node.Decode(def); err != nil {
		return fmt.Errorf("includes: parse %q: %w", path, err)
	}

	if len(def.Includes) > 0 {
		return processIncludes(def, filepath.Dir(path), visited, depth)
	}
	return nil
}
