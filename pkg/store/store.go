// Package store defines the persistence contracts for versioned game
// state. Implementations must provide identical semantics across backends
// so a deployment can move between PostgreSQL, SQLite, and the in-memory
// store without behavior changes.
//
// The store treats the serialized game document as opaque: it never
// decodes, validates, or rewrites it, with the single scoped exception of
// the participant lookup, which queries two well-known top-level fields
// of the origin document through the backend's structured-document
// capability.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state recorded on each snapshot row.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// DefaultRetentionDays is the age threshold the purge sweep falls back
// to when the deployment does not configure one.
const DefaultRetentionDays = 10

// Snapshot is one persisted version of a game's serialized state.
// The pair (GameID, Version) is unique. Version 0 is the origin snapshot
// and exists for every game that has ever been saved; version numbers are
// assigned by the caller and may have gaps after rollback or cleanup.
type Snapshot struct {
	GameID    string
	Version   int64
	Document  json.RawMessage
	Players   int
	Status    Status
	CreatedAt time.Time
}

// PlayerScore is one entry of a game's final standings. Order is the
// caller's and is preserved verbatim.
type PlayerScore struct {
	Player string `json:"player"`
	Score  int    `json:"score"`
}

// Result is the immutable summary row written once per concluded game.
// SeedGameID is empty unless the game was cloned from another game's
// origin snapshot.
type Result struct {
	GameID      string
	SeedGameID  string
	Players     int
	Generations int
	Options     json.RawMessage
	Scores      []PlayerScore
}

// SaveHistory is the core read/write path over a game's version history.
type SaveHistory interface {
	// SaveSnapshot upserts the row keyed by (snap.GameID, snap.Version).
	// When the pair already exists only the document is overwritten, so a
	// caller-side retry of the same save is idempotent. Version numbers
	// are never allocated here: the caller supplies previous-highest+1
	// for normal forward play and owns that bookkeeping. Status and
	// CreatedAt on the input are ignored; rows are created running/now.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadLatest returns the highest-version snapshot of the game.
	LoadLatest(ctx context.Context, gameID string) (Snapshot, error)

	// LoadVersion returns the exact snapshot for the version.
	LoadVersion(ctx context.Context, gameID string, version int64) (Snapshot, error)

	// LoadOrigin returns version 0, the snapshot games are cloned from.
	LoadOrigin(ctx context.Context, gameID string) (Snapshot, error)

	// ListVersions returns the distinct version numbers recorded for the
	// game, in no particular order. An unknown game yields an empty set.
	ListVersions(ctx context.Context, gameID string) ([]int64, error)

	// ListActiveGames returns each game whose highest-version row has
	// status running, represented by that row, newest creation time
	// first. A finished game never appears, even when a stale running
	// row survives at an older version.
	ListActiveGames(ctx context.Context) ([]Snapshot, error)

	// PlayerCountAt returns the players column for the version without
	// transferring the document. Version 0 is the usual argument.
	PlayerCountAt(ctx context.Context, gameID string, version int64) (int, error)

	// ResolveByParticipant locates the game whose origin document lists
	// the given player or spectator key. The key's prefix must match the
	// configured scheme.
	ResolveByParticipant(ctx context.Context, key string) (string, error)
}

// Retention owns bounded storage growth and rollback.
type Retention interface {
	// CleanSaves trims a finished game's history to its origin and
	// latest snapshots, marks the remaining rows finished, and then
	// triggers the age-based purge sweep. Ordering is load-bearing: the
	// mark happens only after a successful trim, and the sweep only
	// after the mark.
	CleanSaves(ctx context.Context, gameID string) error

	// PurgeOlderThan deletes every snapshot across all games older than
	// the given number of days, regardless of status, and reports how
	// many rows went away. The sweep is idempotent.
	PurgeOlderThan(ctx context.Context, days int) (int64, error)

	// DeleteRecentVersions removes the n most recent snapshots of the
	// game, ordered by version descending. No-op when n <= 0. Remaining
	// versions are not renumbered.
	DeleteRecentVersions(ctx context.Context, gameID string, n int) error
}

// Results records one immutable summary per concluded game.
type Results interface {
	// RecordResult inserts the summary row. A duplicate GameID is a
	// caller error and propagates as a backend failure.
	RecordResult(ctx context.Context, res Result) error
}

// Diagnostics exposes operational visibility into the backend.
type Diagnostics interface {
	// Stats returns metric name to value: live connection-pool counters
	// and on-disk size introspection. Callers that need resilience treat
	// a Stats failure as non-fatal at the call site.
	Stats(ctx context.Context) (map[string]any, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error
}

// Store is the full surface a backend implements.
type Store interface {
	// Initialize idempotently creates the relations and indexes. Safe to
	// run on every process start.
	Initialize(ctx context.Context) error

	SaveHistory
	Retention
	Results
	Diagnostics

	Close() error
}
