// Package pgstore implements store.Store on PostgreSQL via pgxpool.
// It is the production deployment path; the participant lookup and the
// size diagnostics lean on jsonb operators and the pg_*_size functions,
// which the other backends approximate.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lunarch/savepoint/pkg/errmodel"
	"github.com/lunarch/savepoint/pkg/store"
)

// uniqueViolation is the SQLSTATE for duplicate-key errors.
const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS games (
		game_id      varchar   NOT NULL,
		players      integer   NOT NULL DEFAULT 0,
		save_id      bigint    NOT NULL,
		game         text      NOT NULL,
		status       text      NOT NULL DEFAULT 'running',
		created_time timestamp NOT NULL DEFAULT now(),
		PRIMARY KEY (game_id, save_id)
	)`,
	`CREATE INDEX IF NOT EXISTS games_save_id_idx ON games (save_id)`,
	`CREATE INDEX IF NOT EXISTS games_created_time_idx ON games (created_time)`,
	`CREATE TABLE IF NOT EXISTS game_results (
		game_id      varchar NOT NULL PRIMARY KEY,
		seed_game_id varchar,
		players      integer NOT NULL,
		generations  integer NOT NULL,
		game_options text    NOT NULL,
		scores       text    NOT NULL
	)`,
}

// Store implements store.Store backed by a PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
	keys store.KeyScheme
	days int
}

// Option configures the store at construction time.
type Option func(*Store)

// WithKeyScheme overrides the participant-key classification rule.
func WithKeyScheme(ks store.KeyScheme) Option {
	return func(s *Store) { s.keys = ks }
}

// WithRetentionDays sets the age threshold used by the purge sweep that
// CleanSaves triggers.
func WithRetentionDays(days int) Option {
	return func(s *Store) {
		if days > 0 {
			s.days = days
		}
	}
}

// Open connects a pool to the given postgres:// DSN and verifies it.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errmodel.Unavailable("Open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errmodel.Unavailable("Open", err)
	}
	s := &Store{
		pool: pool,
		keys: store.DefaultKeyScheme(),
		days: store.DefaultRetentionDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize creates the relations and indexes if they do not exist.
func (s *Store) Initialize(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errmodel.Query("Initialize", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	if snap.GameID == "" {
		return errmodel.Invariant("SaveSnapshot", "empty game identifier")
	}
	if snap.Version < 0 {
		return errmodel.Invariant("SaveSnapshot", "negative version number")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO games (game_id, players, save_id, game)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (game_id, save_id) DO UPDATE SET game = excluded.game`,
		snap.GameID, snap.Players, snap.Version, string(snap.Document))
	if err != nil {
		return errmodel.Query("SaveSnapshot", err)
	}
	return nil
}

func (s *Store) LoadLatest(ctx context.Context, gameID string) (store.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT save_id, game, players, status, created_time
		FROM games WHERE game_id = $1
		ORDER BY save_id DESC LIMIT 1`, gameID)
	return scanSnapshot(row, gameID, "LoadLatest")
}

func (s *Store) LoadVersion(ctx context.Context, gameID string, version int64) (store.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT save_id, game, players, status, created_time
		FROM games WHERE game_id = $1 AND save_id = $2`, gameID, version)
	return scanSnapshot(row, gameID, "LoadVersion")
}

func (s *Store) LoadOrigin(ctx context.Context, gameID string) (store.Snapshot, error) {
	return s.LoadVersion(ctx, gameID, 0)
}

func (s *Store) ListVersions(ctx context.Context, gameID string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT save_id FROM games WHERE game_id = $1 ORDER BY save_id`, gameID)
	if err != nil {
		return nil, errmodel.Query("ListVersions", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, errmodel.Query("ListVersions", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errmodel.Query("ListVersions", err)
	}
	return out, nil
}

func (s *Store) ListActiveGames(ctx context.Context) ([]store.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.game_id, g.save_id, g.game, g.players, g.status, g.created_time
		FROM games g
		JOIN (SELECT game_id, MAX(save_id) AS max_save FROM games GROUP BY game_id) m
		  ON g.game_id = m.game_id AND g.save_id = m.max_save
		WHERE g.status = 'running'
		ORDER BY g.created_time DESC`)
	if err != nil {
		return nil, errmodel.Query("ListActiveGames", err)
	}
	defer rows.Close()
	var out []store.Snapshot
	for rows.Next() {
		var (
			snap    store.Snapshot
			doc     string
			status  string
			created time.Time
		)
		if err := rows.Scan(&snap.GameID, &snap.Version, &doc, &snap.Players, &status, &created); err != nil {
			return nil, errmodel.Query("ListActiveGames", err)
		}
		snap.Document = json.RawMessage(doc)
		snap.Status = store.Status(status)
		snap.CreatedAt = created.UTC()
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errmodel.Query("ListActiveGames", err)
	}
	return out, nil
}

func (s *Store) PlayerCountAt(ctx context.Context, gameID string, version int64) (int, error) {
	var players int
	err := s.pool.QueryRow(ctx,
		`SELECT players FROM games WHERE game_id = $1 AND save_id = $2`,
		gameID, version).Scan(&players)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errmodel.NotFound("version", "no such version for game "+gameID)
	}
	if err != nil {
		return 0, errmodel.Query("PlayerCountAt", err)
	}
	return players, nil
}

func (s *Store) ResolveByParticipant(ctx context.Context, key string) (string, error) {
	kind, err := s.keys.Classify(key)
	if err != nil {
		return "", err
	}
	var (
		gameID string
		query  string
	)
	switch kind {
	case store.KindPlayer:
		query = `
			SELECT g.game_id
			FROM games g, jsonb_array_elements(g.game::jsonb -> 'players') p
			WHERE g.save_id = 0 AND p ->> 'id' = $1
			LIMIT 1`
	case store.KindSpectator:
		query = `
			SELECT game_id FROM games
			WHERE save_id = 0 AND game::jsonb ->> 'spectatorId' = $1
			LIMIT 1`
	}
	err = s.pool.QueryRow(ctx, query, key).Scan(&gameID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errmodel.NotFound("participant", "no origin snapshot references key "+key)
	}
	if err != nil {
		return "", errmodel.Query("ResolveByParticipant", err)
	}
	return gameID, nil
}

func (s *Store) CleanSaves(ctx context.Context, gameID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errmodel.Query("CleanSaves", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var max *int64
	if err := tx.QueryRow(ctx,
		`SELECT MAX(save_id) FROM games WHERE game_id = $1`, gameID).Scan(&max); err != nil {
		return errmodel.Query("CleanSaves", err)
	}
	if max == nil {
		return errmodel.Invariant("CleanSaves", "game "+gameID+" has no saves recorded")
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM games WHERE game_id = $1 AND save_id > 0 AND save_id < $2`,
		gameID, *max); err != nil {
		return errmodel.Query("CleanSaves", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE games SET status = 'finished' WHERE game_id = $1`, gameID); err != nil {
		return errmodel.Query("CleanSaves", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errmodel.Query("CleanSaves", err)
	}

	_, err = s.PurgeOlderThan(ctx, s.days)
	return err
}

func (s *Store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM games WHERE created_time < now() - make_interval(days => $1)`, days)
	if err != nil {
		return 0, errmodel.Query("PurgeOlderThan", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteRecentVersions(ctx context.Context, gameID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM games
		WHERE game_id = $1 AND save_id IN (
			SELECT save_id FROM games WHERE game_id = $1
			ORDER BY save_id DESC LIMIT $2)`,
		gameID, n)
	if err != nil {
		return errmodel.Query("DeleteRecentVersions", err)
	}
	return nil
}

func (s *Store) RecordResult(ctx context.Context, res store.Result) error {
	options := res.Options
	if len(options) == 0 {
		options = json.RawMessage(`{}`)
	}
	scores, err := json.Marshal(res.Scores)
	if err != nil {
		return errmodel.Query("RecordResult", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO game_results (game_id, seed_game_id, players, generations, game_options, scores)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		res.GameID, res.SeedGameID, res.Players, res.Generations, string(options), string(scores))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errmodel.Query("RecordResult",
				fmt.Errorf("result already recorded for game %s: %w", res.GameID, err))
		}
		return errmodel.Query("RecordResult", err)
	}
	return nil
}

// Stats reports live pgxpool counters plus relation and database sizes.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	st := s.pool.Stat()
	out := map[string]any{
		"backend":                     "postgres",
		"pool_total_conns":            int64(st.TotalConns()),
		"pool_idle_conns":             int64(st.IdleConns()),
		"pool_acquired_conns":         int64(st.AcquiredConns()),
		"pool_max_conns":              int64(st.MaxConns()),
		"pool_acquire_count":          st.AcquireCount(),
		"pool_empty_acquire_count":    st.EmptyAcquireCount(),
		"pool_canceled_acquire_count": st.CanceledAcquireCount(),
	}

	var gamesBytes, resultsBytes, dbBytes int64
	if err := s.pool.QueryRow(ctx, `
		SELECT pg_table_size('games'),
		       pg_table_size('game_results'),
		       pg_database_size(current_database())`).
		Scan(&gamesBytes, &resultsBytes, &dbBytes); err != nil {
		return nil, errmodel.Query("Stats", err)
	}
	out["bytes_games"] = gamesBytes
	out["bytes_results"] = resultsBytes
	out["bytes_database"] = dbBytes

	var games, results int64
	if err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM games), (SELECT COUNT(*) FROM game_results)`).
		Scan(&games, &results); err != nil {
		return nil, errmodel.Query("Stats", err)
	}
	out["rows_games"] = games
	out["rows_results"] = results
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errmodel.Unavailable("Ping", err)
	}
	return nil
}

func scanSnapshot(row pgx.Row, gameID, op string) (store.Snapshot, error) {
	var (
		snap    store.Snapshot
		doc     string
		status  string
		created time.Time
	)
	err := row.Scan(&snap.Version, &doc, &snap.Players, &status, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Snapshot{}, errmodel.NotFound("game", "no saves for game "+gameID)
	}
	if err != nil {
		return store.Snapshot{}, errmodel.Query(op, err)
	}
	snap.GameID = gameID
	snap.Document = json.RawMessage(doc)
	snap.Status = store.Status(status)
	snap.CreatedAt = created.UTC()
	return snap, nil
}
