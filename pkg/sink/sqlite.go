// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	_ "github.com/teradata-labs/cascade/internal/sqlitedriver" // registers "sqlite3"
	"github.com/teradata-labs/cascade/internal/pubsub"
)

// DefaultCompressThreshold is the content size in bytes above which the
// SQLite sink stores zstd-compressed payloads.
const DefaultCompressThreshold = 4096

// SQLiteSink provides persistent event storage using SQLite. Suitable for
// production use; pending signals and checkpoints survive process
// restarts through this store. Thread-safe.
type SQLiteSink struct {
	db        *sql.DB
	mu        sync.Mutex // serializes writes; SQLite allows one writer
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	broker    *pubsub.Broker[*Event]
}

// SQLiteConfig configures the SQLite sink.
type SQLiteConfig struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// CompressThreshold is the content size in bytes above which payloads
	// are zstd-compressed. Zero means DefaultCompressThreshold; negative
	// disables compression.
	CompressThreshold int
}

// NewSQLiteSink opens (and migrates) a SQLite-backed event sink.
func NewSQLiteSink(config SQLiteConfig) (*SQLiteSink, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if config.CompressThreshold == 0 {
		config.CompressThreshold = DefaultCompressThreshold
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers non-blocking with respect to the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &SQLiteSink{
		db:        db,
		threshold: config.CompressThreshold,
		encoder:   encoder,
		decoder:   decoder,
		broker:    pubsub.NewBroker[*Event](),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		node_type TEXT NOT NULL,
		parent_id TEXT,
		parent_session_id TEXT,
		role TEXT,
		depth INTEGER NOT NULL DEFAULT 0,
		cascade_id TEXT,
		phase_name TEXT,
		sounding_index INTEGER,
		is_winner INTEGER NOT NULL DEFAULT 0,
		reforge_step INTEGER NOT NULL DEFAULT 0,
		attempt_number INTEGER NOT NULL DEFAULT 0,
		turn_number INTEGER NOT NULL DEFAULT 0,
		model TEXT,
		provider_request_id TEXT,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		content BLOB,
		content_compressed INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id);
	CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id);
	CREATE INDEX IF NOT EXISTS idx_events_node_type ON events(node_type);
	CREATE INDEX IF NOT EXISTS idx_events_content_hash ON events(content_hash);

	CREATE TABLE IF NOT EXISTS context_cards (
		session_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		summary TEXT NOT NULL,
		keywords TEXT,
		embedding BLOB,
		tokens INTEGER NOT NULL DEFAULT 0,
		is_anchor INTEGER NOT NULL DEFAULT 0,
		is_callout INTEGER NOT NULL DEFAULT 0,
		phase_name TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, content_hash)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append durably records one event.
func (s *SQLiteSink) Append(ctx context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if e.SessionID == "" || e.TraceID == "" || e.NodeType == "" {
		return fmt.Errorf("event requires session_id, trace_id and node_type")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var content []byte
	compressed := 0
	if e.Content != nil {
		raw, err := json.Marshal(e.Content)
		if err != nil {
			return fmt.Errorf("failed to marshal event content: %w", err)
		}
		content = raw
		if s.threshold > 0 && len(raw) > s.threshold {
			content = s.encoder.EncodeAll(raw, nil)
			compressed = 1
		}
	}

	var metadata []byte
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = raw
	}

	var soundingIndex interface{}
	if e.SoundingIndex != nil {
		soundingIndex = *e.SoundingIndex
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			timestamp, session_id, trace_id, node_type,
			parent_id, parent_session_id, role, depth, cascade_id, phase_name,
			sounding_index, is_winner, reforge_step, attempt_number, turn_number,
			model, provider_request_id, tokens_in, tokens_out, cost, duration_ms,
			content, content_compressed, content_hash, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixMicro(), e.SessionID, e.TraceID, string(e.NodeType),
		e.ParentID, e.ParentSessionID, e.Role, e.Depth, e.CascadeID, e.PhaseName,
		soundingIndex, boolToInt(e.IsWinner), e.ReforgeStep, e.AttemptNumber, e.TurnNumber,
		e.Model, e.ProviderRequestID, e.TokensIn, e.TokensOut, e.Cost, e.DurationMs,
		content, compressed, e.ContentHash, nullableString(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil && e.Seq == 0 {
		e.Seq = seq
	}

	s.broker.Publish(e)
	return nil
}

// Query returns matching events ordered by insertion sequence.
func (s *SQLiteSink) Query(ctx context.Context, q Query) ([]*Event, error) {
	where := "1=1"
	var args []interface{}
	if q.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.TraceID != "" {
		where += " AND trace_id = ?"
		args = append(args, q.TraceID)
	}
	if q.ParentID != "" {
		where += " AND parent_id = ?"
		args = append(args, q.ParentID)
	}
	if q.PhaseName != "" {
		where += " AND phase_name = ?"
		args = append(args, q.PhaseName)
	}
	if q.ContentHash != "" {
		where += " AND content_hash = ?"
		args = append(args, q.ContentHash)
	}
	if q.SinceSeq > 0 {
		where += " AND seq > ?"
		args = append(args, q.SinceSeq)
	}
	if len(q.NodeTypes) > 0 {
		where += " AND node_type IN (?" + strings.Repeat(",?", len(q.NodeTypes)-1) + ")"
		for _, nt := range q.NodeTypes {
			args = append(args, string(nt))
		}
	}

	query := "SELECT " + eventColumns + " FROM events WHERE " + where + " ORDER BY seq ASC"
	// The in-process predicate may reject rows, so the SQL limit only
	// applies when no predicate is set.
	if q.Limit > 0 && q.Predicate == nil {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if q.Predicate != nil && !q.Predicate(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, rows.Err()
}

// Ancestors walks defining events from traceID to the root.
func (s *SQLiteSink) Ancestors(ctx context.Context, traceID string) ([]*Event, error) {
	var chain []*Event
	for traceID != "" {
		events, err := s.Query(ctx, Query{TraceID: traceID, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		chain = append(chain, events[0])
		traceID = events[0].ParentID
	}
	return chain, nil
}

// Flush is a no-op; appends are immediately durable.
func (s *SQLiteSink) Flush(ctx context.Context) error { return nil }

// Close shuts down subscriber streams and the database handle.
func (s *SQLiteSink) Close() error {
	s.broker.Shutdown()
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

// Subscribe streams appended events.
func (s *SQLiteSink) Subscribe(ctx context.Context) <-chan *Event {
	return s.broker.Subscribe(ctx)
}

// PutCard stores (or refreshes) a context card.
func (s *SQLiteSink) PutCard(ctx context.Context, card *ContextCard) error {
	if card == nil || card.SessionID == "" || card.ContentHash == "" {
		return fmt.Errorf("card requires session_id and content_hash")
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now()
	}
	keywords, err := json.Marshal(card.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal card keywords: %w", err)
	}
	var embedding []byte
	if len(card.Embedding) > 0 {
		embedding, err = json.Marshal(card.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal card embedding: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO context_cards (
			session_id, content_hash, summary, keywords, embedding,
			tokens, is_anchor, is_callout, phase_name, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.SessionID, card.ContentHash, card.Summary, string(keywords), embedding,
		card.Tokens, boolToInt(card.IsAnchor), boolToInt(card.IsCallout),
		card.PhaseName, card.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to store context card: %w", err)
	}
	return nil
}

// CardsBySession returns all cards for a session in write order.
func (s *SQLiteSink) CardsBySession(ctx context.Context, sessionID string) ([]*ContextCard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, content_hash, summary, keywords, embedding,
		       tokens, is_anchor, is_callout, phase_name, created_at
		FROM context_cards WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query context cards: %w", err)
	}
	defer rows.Close()

	var out []*ContextCard
	for rows.Next() {
		var card ContextCard
		var keywords string
		var embedding []byte
		var isAnchor, isCallout int
		var createdAt int64
		if err := rows.Scan(&card.SessionID, &card.ContentHash, &card.Summary,
			&keywords, &embedding, &card.Tokens, &isAnchor, &isCallout,
			&card.PhaseName, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan context card: %w", err)
		}
		if keywords != "" {
			if err := json.Unmarshal([]byte(keywords), &card.Keywords); err != nil {
				return nil, fmt.Errorf("failed to decode card keywords: %w", err)
			}
		}
		if len(embedding) > 0 {
			if err := json.Unmarshal(embedding, &card.Embedding); err != nil {
				return nil, fmt.Errorf("failed to decode card embedding: %w", err)
			}
		}
		card.IsAnchor = isAnchor != 0
		card.IsCallout = isCallout != 0
		card.CreatedAt = time.UnixMicro(createdAt)
		out = append(out, &card)
	}
	return out, rows.Err()
}

const eventColumns = `seq, timestamp, session_id, trace_id, node_type,
	parent_id, parent_session_id, role, depth, cascade_id, phase_name,
	sounding_index, is_winner, reforge_step, attempt_number, turn_number,
	model, provider_request_id, tokens_in, tokens_out, cost, duration_ms,
	content, content_compressed, content_hash, metadata`

func (s *SQLiteSink) scanEvent(rows *sql.Rows) (*Event, error) {
	var e Event
	var timestamp int64
	var nodeType string
	var parentID, parentSessionID, role, cascadeID, phaseName sql.NullString
	var model, providerRequestID, contentHash, metadata sql.NullString
	var soundingIndex sql.NullInt64
	var isWinner, compressed int
	var content []byte

	if err := rows.Scan(&e.Seq, &timestamp, &e.SessionID, &e.TraceID, &nodeType,
		&parentID, &parentSessionID, &role, &e.Depth, &cascadeID, &phaseName,
		&soundingIndex, &isWinner, &e.ReforgeStep, &e.AttemptNumber, &e.TurnNumber,
		&model, &providerRequestID, &e.TokensIn, &e.TokensOut, &e.Cost, &e.DurationMs,
		&content, &compressed, &contentHash, &metadata); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	e.Timestamp = time.UnixMicro(timestamp)
	e.NodeType = NodeType(nodeType)
	e.ParentID = parentID.String
	e.ParentSessionID = parentSessionID.String
	e.Role = role.String
	e.CascadeID = cascadeID.String
	e.PhaseName = phaseName.String
	e.Model = model.String
	e.ProviderRequestID = providerRequestID.String
	e.ContentHash = contentHash.String
	e.IsWinner = isWinner != 0
	if soundingIndex.Valid {
		idx := int(soundingIndex.Int64)
		e.SoundingIndex = &idx
	}

	if len(content) > 0 {
		raw := content
		if compressed != 0 {
			decoded, err := s.decoder.DecodeAll(content, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress event content: %w", err)
			}
			raw = decoded
		}
		var payload interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode event content: %w", err)
		}
		e.Content = payload
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
