package toolcat

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// resolveWithinWorkingDir joins rawPath onto the tool's working directory
// and rejects any result that escapes it, so a tool can never touch a
// file outside its session's sandbox boundary.
func resolveWithinWorkingDir(workingDir, rawPath string) (string, error) {
	if workingDir == "" {
		return "", fmt.Errorf("toolcat: working directory not set")
	}
	joined := rawPath
	if !filepath.IsAbs(rawPath) {
		joined = filepath.Join(workingDir, rawPath)
	}
	cleanWD, err := filepath.Abs(workingDir)
	if err != nil {
		return "", err
	}
	cleanPath, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(cleanWD, cleanPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("toolcat: path %q escapes the working directory", rawPath)
	}
	return cleanPath, nil
}

// matchesAnyGlob reports whether path matches any of the doublestar glob
// patterns, used for deny-listed paths a tool must never touch.
func matchesAnyGlob(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("toolcat: invalid glob pattern %q: %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// matchesAnyCommandPattern reports whether command matches one of the
// allowlisted regex patterns (or is an exact match when a pattern fails
// to compile as a regex), mirroring the fallback-to-literal behavior a
// misconfigured allowlist should have rather than silently rejecting
// everything.
func matchesAnyCommandPattern(command string, patterns []string) bool {
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
