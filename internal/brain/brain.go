// Package brain implements the system brain text input to build_request
// (spec §4.5, §9): a directory of externally authored markdown fragments,
// each optionally carrying a YAML front-matter header, concatenated into
// one system prompt. The prompt is assembled fresh from disk on every call
// to SystemPrompt — it is explicitly re-read per iteration, never cached,
// so a host-side edit takes effect on the very next turn.
package brain

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"wireloop/engine/internal/looprunner"
)

const frontMatterDelim = "---"

// frontMatter is the optional YAML header a fragment may carry.
//
//	---
//	category: persona
//	model_hints: [claude-opus-4-6, gpt-5.2]
//	priority: 10
//	---
//	Markdown body...
//
// model_hints, when present, restricts the fragment to sessions running
// one of the listed models; an empty list means "applies to every model".
// priority controls ordering (ascending); fragments with equal priority
// sort by filename.
type frontMatter struct {
	Category   string   `yaml:"category"`
	ModelHints []string `yaml:"model_hints"`
	Priority   int      `yaml:"priority"`
}

type fragment struct {
	name       string
	category   string
	modelHints []string
	priority   int
	body       string
}

// Reader loads brain-text fragments from a directory and assembles them
// into a system prompt. It satisfies looprunner.BrainReader.
type Reader struct {
	dir     string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	changes chan string
}

// New creates a Reader rooted at dir, creating the directory if absent,
// and starts a background watch so SystemPrompt callers can be told (via
// Changes) when a host-side edit lands — the watch is purely advisory; it
// never gates or caches the read itself.
func New(dir string, log *slog.Logger) (*Reader, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	r := &Reader{dir: dir, log: log, watcher: watcher, changes: make(chan string, 8)}
	go r.watch()
	return r, nil
}

// WatchSettings adds an additional path (the settings JSON file) to the
// same watch, so a settings edit surfaces on the same Changes channel as a
// brain-text edit.
func (r *Reader) WatchSettings(path string) error {
	return r.watcher.Add(filepath.Dir(path))
}

// Changes emits the path of whatever changed, whenever the watched
// directories see a write, create, remove, or rename. Callers that want
// proactive hot-reload notifications (e.g. an UpdatedToolset-style push to
// the client) should drain this; SystemPrompt itself never reads from it.
func (r *Reader) Changes() <-chan string {
	return r.changes
}

// Close stops the background watch.
func (r *Reader) Close() error {
	return r.watcher.Close()
}

func (r *Reader) watch() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case r.changes <- ev.Name:
			default:
				r.log.Warn("brain: changes channel full, dropping notification", "path", ev.Name)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error("brain: watch error", "error", err)
		}
	}
}

// SystemPrompt re-reads every fragment under the brain directory and
// concatenates the ones applicable to sess.ModelName, in priority order.
func (r *Reader) SystemPrompt(ctx context.Context, sess looprunner.SessionState) (string, error) {
	frags, err := r.load()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, f := range frags {
		if !appliesToModel(f.modelHints, sess.ModelName) {
			continue
		}
		if f.body == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(f.body)
	}
	return sb.String(), nil
}

func (r *Reader) load() ([]fragment, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var frags []fragment
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			r.log.Warn("brain: skipping unreadable fragment", "file", entry.Name(), "error", err)
			continue
		}
		header, body := splitFrontMatter(data)
		var meta frontMatter
		if len(header) > 0 {
			if err := yaml.Unmarshal(header, &meta); err != nil {
				r.log.Warn("brain: malformed front matter, using whole file as body", "file", entry.Name(), "error", err)
				body = data
			}
		}
		frags = append(frags, fragment{
			name:       entry.Name(),
			category:   meta.Category,
			modelHints: meta.ModelHints,
			priority:   meta.Priority,
			body:       strings.TrimSpace(string(body)),
		})
	}

	sort.Slice(frags, func(i, j int) bool {
		if frags[i].priority != frags[j].priority {
			return frags[i].priority < frags[j].priority
		}
		return frags[i].name < frags[j].name
	})
	return frags, nil
}

// splitFrontMatter separates a leading "---\n...\n---\n" YAML header from
// the rest of the file. If data has no such header, the whole file is the
// body and header is nil.
func splitFrontMatter(data []byte) (header, body []byte) {
	trimmed := bytes.TrimLeft(data, "\xEF\xBB\xBF \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte(frontMatterDelim)) {
		return nil, data
	}
	rest := trimmed[len(frontMatterDelim):]
	end := bytes.Index(rest, []byte("\n"+frontMatterDelim))
	if end < 0 {
		return nil, data
	}
	header = rest[:end]
	after := rest[end+len("\n"+frontMatterDelim):]
	if nl := bytes.IndexByte(after, '\n'); nl >= 0 {
		body = after[nl+1:]
	}
	return header, body
}

func appliesToModel(hints []string, model string) bool {
	if len(hints) == 0 {
		return true
	}
	for _, h := range hints {
		if strings.EqualFold(h, model) {
			return true
		}
	}
	return false
}
