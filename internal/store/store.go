// Package store persists sessions and their message history in a local
// SQLite database (spec §4.6, §6). Every session's history round-trips
// through a flat text column: tool-call groups and reasoning spans are
// wrapped in inline markers rather than split across relational columns,
// so a session can be re-hydrated into the canonical llm.Message shape
// without a join.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"wireloop/engine/internal/llm"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	provider_name TEXT NOT NULL DEFAULT 'unknown',
	model_name TEXT NOT NULL DEFAULT '',
	last_token_usage INTEGER NOT NULL DEFAULT 0,
	working_directory TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	UNIQUE(session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// SessionMeta is the persisted row shape for one session (spec §6).
type SessionMeta struct {
	ID               string
	Title            string
	ProviderName     string
	ModelName        string
	LastTokenUsage   int
	WorkingDirectory string
	CreatedAt        time.Time
}

// Record is one persisted message, carrying its sequence number and token
// accounting alongside the canonical content.
type Record struct {
	Seq          int64
	Message      llm.Message
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}

// Store is a mutex-guarded SQLite-backed session store. Appends to a given
// session are serialized through a per-session mutex (spec §5 "shared
// resource policy"); unrelated sessions never block each other.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	sessionMu map[string]*sync.Mutex
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite serializes internally per-connection; pin to one
	// connection so the per-session mutex above is the only writer gate
	// the engine has to reason about.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schemaDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, sessionMu: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessionMu[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.sessionMu[sessionID] = m
	}
	return m
}

// Create inserts a new session row. meta.ID must be pre-assigned by the
// caller (Engine.SessionsCreate mints session ids).
func (s *Store) Create(ctx context.Context, meta SessionMeta) (string, error) {
	if meta.ID == "" {
		return "", fmt.Errorf("store: session id required")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	lock := s.lockFor(meta.ID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, provider_name, model_name, last_token_usage, working_directory, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Title, orUnknown(meta.ProviderName), meta.ModelName,
		meta.LastTokenUsage, meta.WorkingDirectory, meta.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	return meta.ID, nil
}

// AppendMessage persists the next message in a session's history and
// returns its sequence number. The session's tool-call groups and
// reasoning spans are encoded inline using the message's own seq as the
// group's iteration id.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg llm.Message, usage llm.Usage) (int64, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	content := encodeContent(seq, msg.Content)
	id := fmt.Sprintf("%s:%d", sessionID, seq)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, seq, string(msg.Role), content, usage.InputTokens, usage.OutputTokens, now); err != nil {
		return 0, err
	}
	if usage.InputTokens > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_token_usage = ? WHERE id = ?`, usage.InputTokens, sessionID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// Load reconstructs a session's full message history in canonical form,
// ready to drop straight into an llm.Request.Messages slice.
func (s *Store) Load(ctx context.Context, sessionID string) ([]llm.Message, error) {
	records, err := s.LoadRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages := make([]llm.Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, r.Message)
	}
	return messages, nil
}

// LoadSince reconstructs only the messages appended after sinceSeq,
// letting the Session Loop resume from a compaction watermark instead of
// the whole session history (spec §4.3 compact(): the store itself is
// append-only and never rewritten, so a compaction replaces the Loop's
// view of history by moving the watermark forward, not by deleting rows).
func (s *Store) LoadSince(ctx context.Context, sessionID string, sinceSeq int64) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC`, sessionID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []llm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		messages = append(messages, llm.Message{Role: llm.Role(role), Content: decodeContent(content)})
	}
	return messages, rows.Err()
}

// LoadRecords is Load plus the seq/token/timestamp bookkeeping that the
// Context Manager needs to compute budgets and decide what to trim.
func (s *Store) LoadRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, input_tokens, output_tokens, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			seq                        int64
			role, content, createdAtS  string
			inputTokens, outputTokens  int
		)
		if err := rows.Scan(&seq, &role, &content, &inputTokens, &outputTokens, &createdAtS); err != nil {
			return nil, err
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, createdAtS)
		records = append(records, Record{
			Seq: seq,
			Message: llm.Message{
				Role:    llm.Role(role),
				Content: decodeContent(content),
			},
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CreatedAt:    createdAt,
		})
	}
	return records, rows.Err()
}

// UpdateMetadata patches the session's model/provider/token-usage fields,
// called after each completed provider round-trip (spec §4.6).
func (s *Store) UpdateMetadata(ctx context.Context, sessionID, providerName, modelName string, lastTokenUsage int) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET provider_name = ?, model_name = ?, last_token_usage = ? WHERE id = ?`,
		orUnknown(providerName), modelName, lastTokenUsage, sessionID)
	return err
}

func (s *Store) Get(ctx context.Context, sessionID string) (*SessionMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider_name, model_name, last_token_usage, working_directory, created_at
		FROM sessions WHERE id = ?`, sessionID)
	var meta SessionMeta
	var createdAtS string
	if err := row.Scan(&meta.ID, &meta.Title, &meta.ProviderName, &meta.ModelName,
		&meta.LastTokenUsage, &meta.WorkingDirectory, &createdAtS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtS)
	return &meta, nil
}

// List returns every session's metadata, most recently created first, for
// the Scheduler to rehydrate on startup.
func (s *Store) List(ctx context.Context) ([]SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, provider_name, model_name, last_token_usage, working_directory, created_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		var createdAtS string
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.ProviderName, &meta.ModelName,
			&meta.LastTokenUsage, &meta.WorkingDirectory, &createdAtS); err != nil {
			return nil, err
		}
		meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtS)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Delete removes a session and all of its messages.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

var markerRe = regexp.MustCompile(`(?s)<!-- reasoning -->(.*?)<!-- /reasoning -->|<!-- tools-v2:(\d+) -->(.*?)<!-- /tools-v2:\d+ -->`)

// encodeContent flattens one message's content blocks into the stored text
// form: plain text blocks pass through unchanged, a reasoning block is
// wrapped in a <!-- reasoning --> span, and every tool-use/tool-result
// block in the message is serialized as one JSON array inside a single
// <!-- tools-v2:<seq> --> span (iterationID ties the group back to the
// loop iteration that produced it).
func encodeContent(iterationID int64, blocks []llm.ContentBlock) string {
	var parts []string
	var toolBlocks []llm.ContentBlock
	for _, b := range blocks {
		switch b.Kind {
		case llm.ContentReasoning:
			parts = append(parts, fmt.Sprintf("<!-- reasoning -->%s<!-- /reasoning -->", b.Text))
		case llm.ContentToolUse, llm.ContentToolRes:
			toolBlocks = append(toolBlocks, b)
		default:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
			if b.RefURI != "" {
				parts = append(parts, b.RefURI)
			}
		}
	}
	if len(toolBlocks) > 0 {
		data, _ := json.Marshal(toolBlocks)
		parts = append(parts, fmt.Sprintf("<!-- tools-v2:%d -->%s<!-- /tools-v2:%d -->", iterationID, string(data), iterationID))
	}
	return strings.Join(parts, "\n")
}

// decodeContent rebuilds a content-block slice from the marker-delimited
// stored text. It is not an exact inverse of encodeContent: text comes
// back trimmed, adjacent text blocks come back as one, and tool blocks
// come back after the text and reasoning blocks.
func decodeContent(raw string) []llm.ContentBlock {
	var blocks []llm.ContentBlock
	matches := markerRe.FindAllStringSubmatchIndex(raw, -1)
	last := 0
	for _, m := range matches {
		if m[0] > last {
			if text := strings.TrimSpace(raw[last:m[0]]); text != "" {
				blocks = append(blocks, llm.ContentBlock{Kind: llm.ContentText, Text: text})
			}
		}
		switch {
		case m[2] >= 0:
			blocks = append(blocks, llm.ContentBlock{Kind: llm.ContentReasoning, Text: raw[m[2]:m[3]]})
		case m[6] >= 0:
			var toolBlocks []llm.ContentBlock
			if err := json.Unmarshal([]byte(raw[m[6]:m[7]]), &toolBlocks); err == nil {
				blocks = append(blocks, toolBlocks...)
			}
		}
		last = m[1]
	}
	if last < len(raw) {
		if text := strings.TrimSpace(raw[last:]); text != "" {
			blocks = append(blocks, llm.ContentBlock{Kind: llm.ContentText, Text: text})
		}
	}
	return blocks
}
