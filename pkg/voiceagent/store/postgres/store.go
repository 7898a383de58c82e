// Package postgres archives session transcripts and extracted profile
// fields in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/transcript"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ArchivedTurn is one committed transcript turn as stored.
type ArchivedTurn struct {
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	transcript.Turn
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrate applies every pending migration.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("migration applied", "version", r.Source.Version, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

// AppendTurn stores a committed turn. Replays of a turn already stored for
// the session are ignored.
func (s *Store) AppendTurn(ctx context.Context, sessionID, channel string, turn transcript.Turn) error {
	if sessionID == "" || turn.TurnID == "" {
		return errors.New("session id and turn id are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_turns (session_id, channel, turn_id, speaker, text, seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, turn_id) DO NOTHING`,
		sessionID, channel, turn.TurnID, turn.Speaker, turn.Text, turn.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert transcript turn: %w", err)
	}
	return nil
}

// SaveProfileField upserts one profile value for the session.
func (s *Store) SaveProfileField(ctx context.Context, sessionID string, field markers.Field, source string) error {
	value, err := json.Marshal(field.Value)
	if err != nil {
		return fmt.Errorf("encode profile value: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO profile_fields (session_id, key, value, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, key) DO UPDATE
		SET value = EXCLUDED.value, source = EXCLUDED.source, updated_at = now()`,
		sessionID, field.Key, value, source,
	)
	if err != nil {
		return fmt.Errorf("upsert profile field: %w", err)
	}
	return nil
}

// ListTurns returns up to limit turns of a session in commit order.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]ArchivedTurn, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, channel, turn_id, speaker, text, seq, created_at
		FROM transcript_turns
		WHERE session_id = $1
		ORDER BY id
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcript turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ArchivedTurn, error) {
		var t ArchivedTurn
		err := row.Scan(&t.SessionID, &t.Channel, &t.TurnID, &t.Speaker, &t.Text, &t.Sequence, &t.CreatedAt)
		t.Status = transcript.StatusFinal
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan transcript turns: %w", err)
	}
	return turns, nil
}

// Profile returns the stored profile of a session.
func (s *Store) Profile(ctx context.Context, sessionID string) (markers.ProfileDraft, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM profile_fields WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query profile fields: %w", err)
	}
	defer rows.Close()

	out := markers.ProfileDraft{}
	for rows.Next() {
		var (
			key string
			raw []byte
			val markers.Value
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan profile field: %w", err)
		}
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("decode profile field %q: %w", key, err)
		}
		out[key] = val
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read profile fields: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
