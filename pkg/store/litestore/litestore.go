// Package litestore implements store.Store on SQLite via the embedded
// ncruces driver. It is the zero-dependency deployment path: a single
// file (or an in-memory database in tests) with the same semantics as
// the PostgreSQL backend.
//
// Timestamps are stored as UTC unix milliseconds so values survive the
// round trip through SQLite's dynamic typing unchanged.
package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lunarch/savepoint/pkg/errmodel"
	"github.com/lunarch/savepoint/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS games (
    game_id      TEXT    NOT NULL,
    players      INTEGER NOT NULL DEFAULT 0,
    save_id      INTEGER NOT NULL,
    game         TEXT    NOT NULL,
    status       TEXT    NOT NULL DEFAULT 'running',
    created_time INTEGER NOT NULL,
    PRIMARY KEY (game_id, save_id)
);
CREATE INDEX IF NOT EXISTS games_save_id_idx ON games (save_id);
CREATE INDEX IF NOT EXISTS games_created_time_idx ON games (created_time);

CREATE TABLE IF NOT EXISTS game_results (
    game_id      TEXT    NOT NULL PRIMARY KEY,
    seed_game_id TEXT,
    players      INTEGER NOT NULL,
    generations  INTEGER NOT NULL,
    game_options TEXT    NOT NULL,
    scores       TEXT    NOT NULL
);
`

// Store implements store.Store backed by a SQLite database.
type Store struct {
	db    *sql.DB
	keys  store.KeyScheme
	days  int
	clock func() time.Time
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

// Open connects to a SQLite database. The DSN is the ncruces form, for
// example:
//
//   - file:./savepoint.db?_pragma=busy_timeout(5000)
//   - file:games?mode=memory&cache=shared
//
// An optional "sqlite:" prefix is stripped, so DATABASE_URL values can
// be passed through unchanged.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimPrefix(dsn, "sqlite:")
	if dsn == "" {
		return nil, errmodel.Unavailable("Open", errors.New("empty sqlite dsn"))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errmodel.Unavailable("Open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errmodel.Unavailable("Open", err)
	}
	s := &Store{
		db:    db,
		keys:  store.DefaultKeyScheme(),
		days:  store.DefaultRetentionDays,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize creates the relations and indexes if they do not exist.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errmodel.Query("Initialize", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	if snap.GameID == "" {
		return errmodel.Invariant("SaveSnapshot", "empty game identifier")
	}
	if snap.Version < 0 {
		return errmodel.Invariant("SaveSnapshot", "negative version number")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO games (game_id, players, save_id, game, status, created_time)
		VALUES (?, ?, ?, ?, 'running', ?)
		ON CONFLICT (game_id, save_id) DO UPDATE SET game = excluded.game`,
		snap.GameID, snap.Players, snap.Version, string(snap.Document), toMillis(s.clock()))
	if err != nil {
		return errmodel.Query("SaveSnapshot", err)
	}
	return nil
}

func (s *Store) LoadLatest(ctx context.Context, gameID string) (store.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT save_id, game, players, status, created_time
		FROM games WHERE game_id = ?
		ORDER BY save_id DESC LIMIT 1`, gameID)
	return s.scanSnapshot(row, gameID, "LoadLatest")
}

func (s *Store) LoadVersion(ctx context.Context, gameID string, version int64) (store.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT save_id, game, players, status, created_time
		FROM games WHERE game_id = ? AND save_id = ?`, gameID, version)
	return s.scanSnapshot(row, gameID, "LoadVersion")
}

func (s *Store) LoadOrigin(ctx context.Context, gameID string) (store.Snapshot, error) {
	return s.LoadVersion(ctx, gameID, 0)
}

func (s *Store) ListVersions(ctx context.Context, gameID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT save_id FROM games WHERE game_id = ? ORDER BY save_id`, gameID)
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
	rows, err := s.db.QueryContext(ctx, `
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
			snap   store.Snapshot
			doc    string
			status string
			ms     int64
		)
		if err := rows.Scan(&snap.GameID, &snap.Version, &doc, &snap.Players, &status, &ms); err != nil {
			return nil, errmodel.Query("ListActiveGames", err)
		}
		snap.Document = json.RawMessage(doc)
		snap.Status = store.Status(status)
		snap.CreatedAt = fromMillis(ms)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errmodel.Query("ListActiveGames", err)
	}
	return out, nil
}

func (s *Store) PlayerCountAt(ctx context.Context, gameID string, version int64) (int, error) {
	var players int
	err := s.db.QueryRowContext(ctx,
		`SELECT players FROM games WHERE game_id = ? AND save_id = ?`,
		gameID, version).Scan(&players)
	if errors.Is(err, sql.ErrNoRows) {
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
			FROM games g, json_each(g.game, '$.players') p
			WHERE g.save_id = 0 AND json_extract(p.value, '$.id') = ?
			LIMIT 1`
	case store.KindSpectator:
		query = `
			SELECT game_id FROM games
			WHERE save_id = 0 AND json_extract(game, '$.spectatorId') = ?
			LIMIT 1`
	}
	err = s.db.QueryRowContext(ctx, query, key).Scan(&gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errmodel.NotFound("participant", "no origin snapshot references key "+key)
	}
	if err != nil {
		return "", errmodel.Query("ResolveByParticipant", err)
	}
	return gameID, nil
}

func (s *Store) CleanSaves(ctx context.Context, gameID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errmodel.Query("CleanSaves", err)
	}
	defer func() { _ = tx.Rollback() }()

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(save_id) FROM games WHERE game_id = ?`, gameID).Scan(&max); err != nil {
		return errmodel.Query("CleanSaves", err)
	}
	if !max.Valid {
		return errmodel.Invariant("CleanSaves", "game "+gameID+" has no saves recorded")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM games WHERE game_id = ? AND save_id > 0 AND save_id < ?`,
		gameID, max.Int64); err != nil {
		return errmodel.Query("CleanSaves", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE games SET status = 'finished' WHERE game_id = ?`, gameID); err != nil {
		return errmodel.Query("CleanSaves", err)
	}
	if err := tx.Commit(); err != nil {
		return errmodel.Query("CleanSaves", err)
	}

	_, err = s.PurgeOlderThan(ctx, s.days)
	return err
}

func (s *Store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.clock().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM games WHERE created_time < ?`, toMillis(cutoff))
	if err != nil {
		return 0, errmodel.Query("PurgeOlderThan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errmodel.Query("PurgeOlderThan", err)
	}
	return n, nil
}

func (s *Store) DeleteRecentVersions(ctx context.Context, gameID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM games
		WHERE game_id = ? AND save_id IN (
			SELECT save_id FROM games WHERE game_id = ?
			ORDER BY save_id DESC LIMIT ?)`,
		gameID, gameID, n)
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO game_results (game_id, seed_game_id, players, generations, game_options, scores)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?)`,
		res.GameID, res.SeedGameID, res.Players, res.Generations, string(options), string(scores))
	if err != nil {
		return errmodel.Query("RecordResult", err)
	}
	return nil
}

// Stats reports connection-pool counters from database/sql plus the
// database file size from the page pragmas and per-table row counts.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	pool := s.db.Stats()
	out := map[string]any{
		"backend":            "sqlite",
		"pool_open":          int64(pool.OpenConnections),
		"pool_in_use":        int64(pool.InUse),
		"pool_idle":          int64(pool.Idle),
		"pool_wait_count":    pool.WaitCount,
		"pool_max_open":      int64(pool.MaxOpenConnections),
		"pool_wait_duration": pool.WaitDuration.String(),
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, errmodel.Query("Stats", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, errmodel.Query("Stats", err)
	}
	out["db_size_bytes"] = pageCount * pageSize

	var games, results int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM games`).Scan(&games); err != nil {
		return nil, errmodel.Query("Stats", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM game_results`).Scan(&results); err != nil {
		return nil, errmodel.Query("Stats", err)
	}
	out["rows_games"] = games
	out["rows_results"] = results
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errmodel.Unavailable("Ping", err)
	}
	return nil
}

func (s *Store) scanSnapshot(row *sql.Row, gameID, op string) (store.Snapshot, error) {
	var (
		snap   store.Snapshot
		doc    string
		status string
		ms     int64
	)
	err := row.Scan(&snap.Version, &doc, &snap.Players, &status, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, errmodel.NotFound("game", "no saves for game "+gameID)
	}
	if err != nil {
		return store.Snapshot{}, errmodel.Query(op, err)
	}
	snap.GameID = gameID
	snap.Document = json.RawMessage(doc)
	snap.Status = store.Status(status)
	snap.CreatedAt = fromMillis(ms)
	return snap, nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
