// Package sqldb is the SQL implementation of the engine store. It supports
// SQLite (modernc) and PostgreSQL (pgx) through the dialect package.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/storage/dialect"
)

// Store is a SQL implementation of ports.Store that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ ports.Store = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

type sessionRow struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	AgentID         string    `db:"agent_id"`
	ContextRecordID string    `db:"context_record_id"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *sessionRow) toDomain() *domain.Session {
	return &domain.Session{
		ID:              r.ID,
		UserID:          r.UserID,
		AgentID:         r.AgentID,
		ContextRecordID: r.ContextRecordID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type turnRow struct {
	SessionID      string         `db:"session_id"`
	UserID         string         `db:"user_id"`
	AgentID        string         `db:"agent_id"`
	TurnIdentifier string         `db:"turn_identifier"`
	TurnCount      int64          `db:"turn_count"`
	Status         string         `db:"processing_status"`
	Pending        sql.NullString `db:"pending_confirmation"`
	LastActivityAt time.Time      `db:"last_activity_at"`
}

func (r *turnRow) toDomain() (*domain.Turn, error) {
	t := &domain.Turn{
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		AgentID:        r.AgentID,
		TurnIdentifier: r.TurnIdentifier,
		TurnCount:      r.TurnCount,
		Status:         domain.ProcessingStatus(r.Status),
		LastActivityAt: r.LastActivityAt,
	}
	if r.Pending.Valid && r.Pending.String != "" {
		var p domain.PendingConfirmation
		if err := json.Unmarshal([]byte(r.Pending.String), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending confirmation: %w", err)
		}
		t.Pending = &p
	}
	return t, nil
}

type messageRow struct {
	ID             string         `db:"id"`
	SessionID      string         `db:"session_id"`
	TurnIdentifier string         `db:"turn_identifier"`
	Role           string         `db:"role"`
	Content        string         `db:"content"`
	ExternalID     sql.NullString `db:"external_id"`
	Position       int64          `db:"position"`
	ToolCallsData  sql.NullString `db:"tool_calls_data"`
	ToolResultData sql.NullString `db:"tool_result_data"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r *messageRow) toDomain() *domain.ChatMessage {
	m := &domain.ChatMessage{
		ID:             r.ID,
		SessionID:      r.SessionID,
		TurnIdentifier: r.TurnIdentifier,
		Role:           domain.Role(r.Role),
		Content:        r.Content,
		ExternalID:     r.ExternalID.String,
		Position:       r.Position,
		Timestamp:      r.CreatedAt,
	}
	if r.ToolCallsData.Valid {
		m.ToolCallsData = json.RawMessage(r.ToolCallsData.String)
	}
	if r.ToolResultData.Valid {
		m.ToolResultData = json.RawMessage(r.ToolResultData.String)
	}
	return m
}

type stepRow struct {
	SessionID      string         `db:"session_id"`
	TurnIdentifier string         `db:"turn_identifier"`
	TurnCount      int64          `db:"turn_count"`
	StepType       string         `db:"step_type"`
	SequenceNumber int64          `db:"sequence_number"`
	Payload        sql.NullString `db:"payload"`
	NextEvent      sql.NullString `db:"next_event"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r *stepRow) toDomain() (*domain.ExecutionStep, error) {
	st := &domain.ExecutionStep{
		SessionID:      r.SessionID,
		TurnIdentifier: r.TurnIdentifier,
		TurnCount:      r.TurnCount,
		StepType:       domain.StepType(r.StepType),
		SequenceNumber: r.SequenceNumber,
		CreatedAt:      r.CreatedAt,
	}
	if r.Payload.Valid {
		st.Payload = json.RawMessage(r.Payload.String)
	}
	if r.NextEvent.Valid && r.NextEvent.String != "" {
		ev, err := domain.DecodeEvent([]byte(r.NextEvent.String))
		if err != nil {
			return nil, err
		}
		st.NextEvent = ev
	}
	return st, nil
}

const (
	sessionColumns = `id, user_id, agent_id, context_record_id, created_at, updated_at`
	turnColumns    = `session_id, user_id, agent_id, turn_identifier, turn_count, processing_status, pending_confirmation, last_activity_at`
	messageColumns = `id, session_id, turn_identifier, role, content, external_id, position, tool_calls_data, tool_result_data, created_at`
	stepColumns    = `session_id, turn_identifier, turn_count, step_type, sequence_number, payload, next_event, created_at`
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func (s *Store) CreateSession(ctx context.Context, session *domain.Session, welcome *domain.ChatMessage) error {
	now := s.now()
	session.CreatedAt = now
	session.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.Rebind(`INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query,
		session.ID, session.UserID, session.AgentID, session.ContextRecordID, session.CreatedAt, session.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	query = s.dialect.Rebind(`INSERT INTO agent_executions (` + turnColumns + `) VALUES (?, ?, ?, '', 0, ?, NULL, ?)`)
	if _, err := tx.ExecContext(ctx, query,
		session.ID, session.UserID, session.AgentID, string(domain.StatusIdle), now); err != nil {
		return fmt.Errorf("failed to create agent execution: %w", err)
	}

	if welcome != nil {
		welcome.SessionID = session.ID
		if err := s.insertMessages(ctx, tx, session.ID, []*domain.ChatMessage{welcome}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var row sessionRow
	query := s.dialect.Rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("session %s not found", id))
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) MostRecentSession(ctx context.Context, userID, agentID, contextRecordID string) (*domain.Session, error) {
	var row sessionRow
	query := s.dialect.Rebind(`SELECT ` + sessionColumns + ` FROM sessions
	          WHERE user_id = ? AND agent_id = ? AND context_record_id = ?
	          ORDER BY created_at DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, userID, agentID, contextRecordID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, "no session for agent "+agentID)
		}
		return nil, fmt.Errorf("failed to get most recent session: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, opts ports.HistoryOptions) ([]*domain.ChatMessage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	args := []any{sessionID}
	where := `session_id = ?`
	if opts.Before != nil {
		where += ` AND created_at < ?`
		args = append(args, opts.Before.UTC())
	}
	args = append(args, limit)

	var rows []messageRow
	query := s.dialect.Rebind(`SELECT ` + messageColumns + ` FROM chat_messages
	          WHERE ` + where + ` ORDER BY position DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	messages := make([]*domain.ChatMessage, len(rows))
	for i := range rows {
		messages[len(rows)-1-i] = rows[i].toDomain()
	}
	return messages, nil
}

func (s *Store) AllMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	var rows []messageRow
	query := s.dialect.Rebind(`SELECT ` + messageColumns + ` FROM chat_messages
	          WHERE session_id = ? ORDER BY position ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	messages := make([]*domain.ChatMessage, len(rows))
	for i := range rows {
		messages[i] = rows[i].toDomain()
	}
	return messages, nil
}

func (s *Store) MessageByExternalID(ctx context.Context, sessionID, externalID string) (*domain.ChatMessage, error) {
	var row messageRow
	query := s.dialect.Rebind(`SELECT ` + messageColumns + ` FROM chat_messages
	          WHERE session_id = ? AND external_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, sessionID, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("message %s not found", externalID))
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toDomain(), nil
}

// insertMessages appends messages at the next free positions of a session.
func (s *Store) insertMessages(ctx context.Context, tx *sqlx.Tx, sessionID string, msgs []*domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	var last int64
	query := s.dialect.Rebind(`SELECT COALESCE(MAX(position), 0) FROM chat_messages WHERE session_id = ?`)
	if err := tx.GetContext(ctx, &last, query, sessionID); err != nil {
		return fmt.Errorf("failed to read message position: %w", err)
	}

	insert := s.dialect.Rebind(`INSERT INTO chat_messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, m := range msgs {
		last++
		m.SessionID = sessionID
		m.Position = last
		if m.Timestamp.IsZero() {
			m.Timestamp = s.now()
		}
		if _, err := tx.ExecContext(ctx, insert,
			m.ID, m.SessionID, m.TurnIdentifier, string(m.Role), m.Content, nullString(m.ExternalID),
			m.Position, nullJSON(m.ToolCallsData), nullJSON(m.ToolResultData), m.Timestamp); err != nil {
			if isUniqueViolation(err) {
				return domain.WrapError(domain.KindConflict, "message "+m.ExternalID+" already exists", err)
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}

func (s *Store) GetTurn(ctx context.Context, sessionID string) (*domain.Turn, error) {
	var row turnRow
	query := s.dialect.Rebind(`SELECT ` + turnColumns + ` FROM agent_executions WHERE session_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("execution for session %s not found", sessionID))
		}
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return row.toDomain()
}

func (s *Store) lockTurn(ctx context.Context, tx *sqlx.Tx, sessionID string) (*domain.Turn, error) {
	var row turnRow
	query := s.dialect.Rebind(`SELECT ` + turnColumns + ` FROM agent_executions WHERE session_id = ?` + s.dialect.LockClause())
	if err := tx.GetContext(ctx, &row, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("execution for session %s not found", sessionID))
		}
		return nil, fmt.Errorf("failed to lock turn: %w", err)
	}
	return row.toDomain()
}

func (s *Store) updateTurn(ctx context.Context, tx *sqlx.Tx, t *domain.Turn) error {
	var pending sql.NullString
	if t.Pending != nil {
		raw, err := json.Marshal(t.Pending)
		if err != nil {
			return fmt.Errorf("failed to marshal pending confirmation: %w", err)
		}
		pending = sql.NullString{String: string(raw), Valid: true}
	}

	query := s.dialect.Rebind(`UPDATE agent_executions
	          SET turn_identifier = ?, turn_count = ?, processing_status = ?, pending_confirmation = ?, last_activity_at = ?
	          WHERE session_id = ?`)
	if _, err := tx.ExecContext(ctx, query,
		t.TurnIdentifier, t.TurnCount, string(t.Status), pending, t.LastActivityAt, t.SessionID); err != nil {
		return fmt.Errorf("failed to update turn: %w", err)
	}

	query = s.dialect.Rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, query, t.LastActivityAt, t.SessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (s *Store) StartTurn(ctx context.Context, req *ports.StartTurn) (*domain.Turn, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	turn, err := s.lockTurn(ctx, tx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(turn.Status, domain.StatusProcessing) {
		return nil, domain.NewError(domain.KindConflict, fmt.Sprintf("invalid transition %s -> %s", turn.Status, domain.StatusProcessing))
	}

	req.Message.TurnIdentifier = req.TurnIdentifier
	if err := s.insertMessages(ctx, tx, req.SessionID, []*domain.ChatMessage{req.Message}); err != nil {
		return nil, err
	}
	if err := s.clearClaim(ctx, tx, req.SessionID); err != nil {
		return nil, err
	}

	// A new turn supersedes whatever the execution row held.
	turn.TurnIdentifier = req.TurnIdentifier
	turn.TurnCount++
	turn.Status = domain.StatusProcessing
	turn.Pending = nil
	turn.LastActivityAt = s.now()
	if err := s.updateTurn(ctx, tx, turn); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit turn: %w", err)
	}
	return turn, nil
}

func (s *Store) RecordReply(ctx context.Context, sessionID string, msg *domain.ChatMessage) (*domain.Turn, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	turn, err := s.lockTurn(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if turn.Status != domain.StatusAwaitingAction || turn.Pending == nil {
		return nil, domain.NewError(domain.KindConflict, fmt.Sprintf("turn is %s, not awaiting an action", turn.Status))
	}

	msg.TurnIdentifier = turn.TurnIdentifier
	if err := s.insertMessages(ctx, tx, sessionID, []*domain.ChatMessage{msg}); err != nil {
		return nil, err
	}

	turn.Status = domain.StatusProcessing
	turn.LastActivityAt = s.now()
	if err := s.updateTurn(ctx, tx, turn); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reply: %w", err)
	}
	return turn, nil
}

func (s *Store) LastStep(ctx context.Context, sessionID string, turnCount int64) (*domain.ExecutionStep, error) {
	var row stepRow
	query := s.dialect.Rebind(`SELECT ` + stepColumns + ` FROM execution_steps
	          WHERE session_id = ? AND turn_count = ?
	          ORDER BY sequence_number DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, sessionID, turnCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last step: %w", err)
	}
	return row.toDomain()
}

func (s *Store) ListSteps(ctx context.Context, sessionID string, turnCount int64) ([]*domain.ExecutionStep, error) {
	var rows []stepRow
	query := s.dialect.Rebind(`SELECT ` + stepColumns + ` FROM execution_steps
	          WHERE session_id = ? AND turn_count = ?
	          ORDER BY sequence_number ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, sessionID, turnCount); err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	steps := make([]*domain.ExecutionStep, 0, len(rows))
	for i := range rows {
		st, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// checkStep locks the execution row and verifies that seq is the next step
// of the active turn.
func (s *Store) checkStep(ctx context.Context, tx *sqlx.Tx, sessionID, turnIdentifier string, turnCount, seq int64) (*domain.Turn, error) {
	turn, err := s.lockTurn(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if !turn.Matches(turnIdentifier, turnCount) {
		return nil, domain.NewError(domain.KindStaleTurn, fmt.Sprintf(
			"turn %s/%d superseded by %s/%d", turnIdentifier, turnCount, turn.TurnIdentifier, turn.TurnCount))
	}

	var last int64
	query := s.dialect.Rebind(`SELECT COALESCE(MAX(sequence_number), 0) FROM execution_steps
	          WHERE session_id = ? AND turn_count = ?`)
	if err := tx.GetContext(ctx, &last, query, sessionID, turnCount); err != nil {
		return nil, fmt.Errorf("failed to read last step: %w", err)
	}
	switch {
	case seq <= last:
		return nil, domain.NewError(domain.KindDuplicateStep, fmt.Sprintf("step %d already applied", seq))
	case seq != last+1:
		return nil, domain.NewError(domain.KindOutOfOrder, fmt.Sprintf("step %d does not follow %d", seq, last))
	}
	return turn, nil
}

func (s *Store) clearClaim(ctx context.Context, tx *sqlx.Tx, sessionID string) error {
	query := s.dialect.Rebind(`DELETE FROM hop_claims WHERE session_id = ?`)
	if _, err := tx.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to clear hop claim: %w", err)
	}
	return nil
}

func (s *Store) ClaimHop(ctx context.Context, c *ports.HopClaim) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.checkStep(ctx, tx, c.SessionID, c.TurnIdentifier, c.TurnCount, c.SequenceNumber); err != nil {
		return err
	}

	var held struct {
		TurnCount      int64     `db:"turn_count"`
		SequenceNumber int64     `db:"sequence_number"`
		Owner          string    `db:"owner"`
		ExpiresAt      time.Time `db:"expires_at"`
	}
	query := s.dialect.Rebind(`SELECT turn_count, sequence_number, owner, expires_at FROM hop_claims WHERE session_id = ?`)
	err = tx.GetContext(ctx, &held, query, c.SessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read hop claim: %w", err)
	case held.Owner != c.Owner && held.TurnCount == c.TurnCount &&
		held.SequenceNumber == c.SequenceNumber && held.ExpiresAt.After(s.now()):
		return domain.NewError(domain.KindHopClaimed, fmt.Sprintf("step %d claimed by %s", c.SequenceNumber, held.Owner))
	}

	upsert := s.dialect.Rebind(`INSERT INTO hop_claims (session_id, turn_count, sequence_number, owner, expires_at) VALUES (?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("session_id", []string{"turn_count", "sequence_number", "owner", "expires_at"}))
	if _, err := tx.ExecContext(ctx, upsert,
		c.SessionID, c.TurnCount, c.SequenceNumber, c.Owner, c.Until.UTC()); err != nil {
		return fmt.Errorf("failed to claim hop: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ReleaseHop(ctx context.Context, sessionID, owner string) error {
	query := s.dialect.Rebind(`DELETE FROM hop_claims WHERE session_id = ? AND owner = ?`)
	if _, err := s.db.ExecContext(ctx, query, sessionID, owner); err != nil {
		return fmt.Errorf("failed to release hop claim: %w", err)
	}
	return nil
}

func (s *Store) ApplyHop(ctx context.Context, w *ports.HopWrite) error {
	step := w.Step

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	turn, err := s.checkStep(ctx, tx, step.SessionID, step.TurnIdentifier, step.TurnCount, step.SequenceNumber)
	if err != nil {
		return err
	}

	if !domain.CanTransition(turn.Status, w.Status) {
		return domain.NewError(domain.KindConflict, fmt.Sprintf("invalid transition %s -> %s", turn.Status, w.Status))
	}

	var nextEvent sql.NullString
	if step.NextEvent != nil {
		raw, err := json.Marshal(step.NextEvent)
		if err != nil {
			return fmt.Errorf("failed to marshal next event: %w", err)
		}
		nextEvent = sql.NullString{String: string(raw), Valid: true}
	}
	now := s.now()
	step.CreatedAt = now

	insert := s.dialect.Rebind(`INSERT INTO execution_steps (` + stepColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("session_id, turn_count, sequence_number", nil))
	res, err := tx.ExecContext(ctx, insert,
		step.SessionID, step.TurnIdentifier, step.TurnCount, string(step.StepType), step.SequenceNumber,
		nullJSON(step.Payload), nextEvent, step.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NewError(domain.KindDuplicateStep, fmt.Sprintf("step %d already applied", step.SequenceNumber))
	}

	if err := s.insertMessages(ctx, tx, step.SessionID, w.Messages); err != nil {
		return err
	}

	query := s.dialect.Rebind(`DELETE FROM hop_claims
	          WHERE session_id = ? AND turn_count = ? AND sequence_number <= ?`)
	if _, err := tx.ExecContext(ctx, query, step.SessionID, step.TurnCount, step.SequenceNumber); err != nil {
		return fmt.Errorf("failed to clear hop claim: %w", err)
	}

	if len(w.Ledger) > 0 {
		// Entries remember the session position they were earned at so a
		// rewind past that point revokes them.
		var position int64
		query = s.dialect.Rebind(`SELECT COALESCE(MAX(position), 0) FROM chat_messages WHERE session_id = ?`)
		if err := tx.GetContext(ctx, &position, query, step.SessionID); err != nil {
			return fmt.Errorf("failed to read message position: %w", err)
		}
		upsert := s.dialect.Rebind(`INSERT INTO prerequisite_ledger (session_id, capability_name, satisfied_at, position) VALUES (?, ?, ?, ?) ` +
			s.dialect.UpsertClause("session_id, capability_name", nil))
		for _, name := range w.Ledger {
			if _, err := tx.ExecContext(ctx, upsert, step.SessionID, name, now, position); err != nil {
				return fmt.Errorf("failed to record prerequisite: %w", err)
			}
		}
	}

	if w.Summary != nil {
		w.Summary.SessionID = step.SessionID
		w.Summary.UpdatedAt = now
		upsert := s.dialect.Rebind(`INSERT INTO memory_summaries (session_id, summary, covered_through_position, updated_at) VALUES (?, ?, ?, ?) ` +
			s.dialect.UpsertClause("session_id", []string{"summary", "covered_through_position", "updated_at"}))
		if _, err := tx.ExecContext(ctx, upsert,
			w.Summary.SessionID, w.Summary.Summary, w.Summary.CoveredThroughPosition, w.Summary.UpdatedAt); err != nil {
			return fmt.Errorf("failed to save summary: %w", err)
		}
	}

	turn.Status = w.Status
	turn.Pending = w.Pending
	turn.LastActivityAt = now
	if err := s.updateTurn(ctx, tx, turn); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) LedgerSatisfied(ctx context.Context, sessionID string, names []string) (map[string]bool, error) {
	satisfied := make(map[string]bool, len(names))
	if len(names) == 0 {
		return satisfied, nil
	}

	query, args, err := sqlx.In(`SELECT capability_name FROM prerequisite_ledger
	          WHERE session_id = ? AND capability_name IN (?)`, sessionID, names)
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger query: %w", err)
	}

	var found []string
	if err := s.db.SelectContext(ctx, &found, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	for _, name := range found {
		satisfied[name] = true
	}
	return satisfied, nil
}

func (s *Store) GetSummary(ctx context.Context, sessionID string) (*domain.MemorySummary, error) {
	var sum domain.MemorySummary
	query := s.dialect.Rebind(`SELECT session_id, summary, covered_through_position, updated_at
	          FROM memory_summaries WHERE session_id = ?`)
	err := s.db.QueryRowxContext(ctx, query, sessionID).Scan(
		&sum.SessionID, &sum.Summary, &sum.CoveredThroughPosition, &sum.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return &sum, nil
}

func (s *Store) Rewind(ctx context.Context, sessionID string, position int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	turn, err := s.lockTurn(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	query := s.dialect.Rebind(`DELETE FROM chat_messages WHERE session_id = ? AND position >= ?`)
	if _, err := tx.ExecContext(ctx, query, sessionID, position); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	query = s.dialect.Rebind(`DELETE FROM memory_summaries WHERE session_id = ? AND covered_through_position >= ?`)
	if _, err := tx.ExecContext(ctx, query, sessionID, position); err != nil {
		return fmt.Errorf("failed to reset summary: %w", err)
	}

	query = s.dialect.Rebind(`DELETE FROM prerequisite_ledger WHERE session_id = ? AND position >= ?`)
	if _, err := tx.ExecContext(ctx, query, sessionID, position); err != nil {
		return fmt.Errorf("failed to revoke prerequisites: %w", err)
	}
	if err := s.clearClaim(ctx, tx, sessionID); err != nil {
		return err
	}

	// Bumping the count strands every in-flight hop of the old turn.
	turn.TurnIdentifier = ""
	turn.TurnCount++
	turn.Status = domain.StatusIdle
	turn.Pending = nil
	turn.LastActivityAt = s.now()
	if err := s.updateTurn(ctx, tx, turn); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) StalledTurns(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Turn, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []turnRow
	query := s.dialect.Rebind(`SELECT ` + turnColumns + ` FROM agent_executions
	          WHERE processing_status IN (?, ?) AND last_activity_at < ?
	          ORDER BY last_activity_at ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query,
		string(domain.StatusProcessing), string(domain.StatusAwaitingFollowup), cutoff.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to query stalled turns: %w", err)
	}

	turns := make([]*domain.Turn, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// isUniqueViolation matches the unique constraint errors of sqlite and pgx
// without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "sqlstate 23505")
}
