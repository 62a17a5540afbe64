// Package memorylog implements the daily memory-log append seam the
// Context Manager writes a compaction summary through (spec §4.3): the
// log's on-disk format and any search indexing over it belong to the
// external memory-search collaborator, so this is a minimal, honest
// concrete instance of contextmgr.MemoryLogAppender — one append-only
// markdown file per calendar day — rather than a full reimplementation of
// that collaborator.
package memorylog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Appender appends one entry (a timestamped heading followed by the
// summary text) per compaction summary to
// <dir>/YYYY-MM-DD.md, serialized by a single mutex since compactions
// across different sessions can land on the same file concurrently.
type Appender struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Appender {
	return &Appender{dir: dir}
}

// AppendDaily satisfies contextmgr.MemoryLogAppender.
func (a *Appender) AppendDaily(ctx context.Context, sessionID, summaryText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(a.dir, time.Now().UTC().Format("2006-01-02")+".md")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	entry := fmt.Sprintf("## %s — session %s\n\n%s\n\n", time.Now().UTC().Format(time.RFC3339), sessionID, summaryText)
	_, err = file.WriteString(entry)
	return err
}
