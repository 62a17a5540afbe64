package toolcat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"wireloop/engine/internal/llm"
)

const maxSearchMatches = 200

// SearchTool returns the built-in "search" tool: a regex content search
// across the working directory, with an optional glob to scope which
// files are scanned.
func SearchTool(ignoreGlobs []string) Tool {
	return Tool{
		Schema: llm.ToolSchema{
			Name:        "search",
			Description: "Search file contents under the working directory for a regular expression. glob optionally scopes which files are scanned (e.g. \"**/*.go\").",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"pattern": {"type": "string"},
					"glob": {"type": "string"}
				},
				"required": ["pattern"]
			}`),
		},
		Metadata: Metadata{Idempotent: true},
		Handler:  handlerForSearch(ignoreGlobs),
	}
}

type searchArgs struct {
	Pattern string `json:"pattern"`
	Glob    string `json:"glob"`
}

func handlerForSearch(ignoreGlobs []string) Handler {
	return func(ctx context.Context, tc *ToolContext, args json.RawMessage) (string, error) {
		var a searchArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("toolcat: search: %w", err)
		}
		re, err := regexp.Compile(a.Pattern)
		if err != nil {
			return "", fmt.Errorf("toolcat: search: invalid pattern: %w", err)
		}
		root := tc.WorkingDirectory
		if root == "" {
			return "", fmt.Errorf("toolcat: search: working directory not set")
		}

		var matches []string
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			if ignored, _ := matchesAnyGlob(rel, ignoreGlobs); ignored {
				return nil
			}
			if a.Glob != "" {
				if matched, _ := doublestar.PathMatch(a.Glob, rel); !matched {
					return nil
				}
			}
			matches = append(matches, grepFile(path, rel, re)...)
			if len(matches) >= maxSearchMatches {
				return fmt.Errorf("toolcat: search: result cap reached")
			}
			return nil
		})
		if walkErr != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}

		if len(matches) == 0 {
			return "no matches", nil
		}
		if len(matches) > maxSearchMatches {
			matches = matches[:maxSearchMatches]
		}
		return strings.Join(matches, "\n"), nil
	}
}

func grepFile(path, rel string, re *regexp.Regexp) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			out = append(out, fmt.Sprintf("%s:%d: %s", rel, lineNo, line))
		}
	}
	return out
}
