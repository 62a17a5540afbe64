package diff

import (
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

type Hunk struct {
	Lines []Line `json:"lines"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

func TextDiff(before, after string) []Hunk {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	oldLine := 1
	newLine := 1
	for _, diff := range diffs {
		chunkLines := strings.Split(diff.Text, "\n")
		if len(chunkLines) > 0 && chunkLines[len(chunkLines)-1] == "" {
			chunkLines = chunkLines[:len(chunkLines)-1]
		}
		for _, line := range chunkLines {
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: line, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: line, NewLine: newLine})
				newLine++
			}
		}
	}
	return []Hunk{{Lines: lines}}
}

const MaxDiffLines = 5000

func TextDiffWithLimit(before, after string, maxLines int) ([]Hunk, bool) {
	if maxLines <= 0 {
		maxLines = MaxDiffLines
	}
	if lineCount(before)+lineCount(after) > maxLines {
		return nil, true
	}
	return TextDiff(before, after), false
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}

// UnifiedText renders hunks as literal unified-diff text (+/-/@@ prefixes)
// so a file-edit tool's result text shows the model its own edit outcome
// (spec §4.1). path is used for the --- / +++ file headers.
func UnifiedText(path string, hunks []Hunk) string {
	var b strings.Builder
	b.WriteString("--- " + path + "\n")
	b.WriteString("+++ " + path + "\n")
	for _, h := range hunks {
		if len(h.Lines) == 0 {
			continue
		}
		oldStart, newStart := firstLineNumbers(h.Lines)
		oldCount, newCount := countLines(h.Lines)
		b.WriteString("@@ -" + strconv.Itoa(oldStart) + "," + strconv.Itoa(oldCount) + " +" + strconv.Itoa(newStart) + "," + strconv.Itoa(newCount) + " @@\n")
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				b.WriteString("+" + l.Text + "\n")
			case LineRemoved:
				b.WriteString("-" + l.Text + "\n")
			default:
				b.WriteString(" " + l.Text + "\n")
			}
		}
	}
	return b.String()
}

func firstLineNumbers(lines []Line) (oldStart, newStart int) {
	for _, l := range lines {
		if l.OldLine > 0 && oldStart == 0 {
			oldStart = l.OldLine
		}
		if l.NewLine > 0 && newStart == 0 {
			newStart = l.NewLine
		}
		if oldStart > 0 && newStart > 0 {
			break
		}
	}
	if oldStart == 0 {
		oldStart = 1
	}
	if newStart == 0 {
		newStart = 1
	}
	return
}

func countLines(lines []Line) (oldCount, newCount int) {
	for _, l := range lines {
		switch l.Type {
		case LineContext:
			oldCount++
			newCount++
		case LineRemoved:
			oldCount++
		case LineAdded:
			newCount++
		}
	}
	return
}
