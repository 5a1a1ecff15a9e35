// Package memstore is an in-memory store.Store for tests and ephemeral
// dev runs. It mirrors the durable backends' semantics, including the
// typed error taxonomy, so components layered above the store can be
// exercised without a database.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lunarch/savepoint/pkg/errmodel"
	"github.com/lunarch/savepoint/pkg/store"
)

// Store keeps every snapshot and result row under one mutex.
type Store struct {
	mu      sync.RWMutex
	keys    store.KeyScheme
	days    int
	clock   func() time.Time
	games   map[string]map[int64]*row
	results map[string]store.Result
}

type row struct {
	doc     []byte
	players int
	status  store.Status
	created time.Time
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

// WithClock substitutes the time source, letting tests age rows
// deterministically.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		keys:    store.DefaultKeyScheme(),
		days:    store.DefaultRetentionDays,
		clock:   time.Now,
		games:   make(map[string]map[int64]*row),
		results: make(map[string]store.Result),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize is a no-op; the maps are ready at construction.
func (s *Store) Initialize(ctx context.Context) error { return nil }

func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	if snap.GameID == "" {
		return errmodel.Invariant("SaveSnapshot", "empty game identifier")
	}
	if snap.Version < 0 {
		return errmodel.Invariant("SaveSnapshot", "negative version number")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.games[snap.GameID]
	if !ok {
		versions = make(map[int64]*row)
		s.games[snap.GameID] = versions
	}
	if existing, ok := versions[snap.Version]; ok {
		// Idempotent re-save: the document is replaced, everything else
		// stays as first written.
		existing.doc = cloneBytes(snap.Document)
		return nil
	}
	versions[snap.Version] = &row{
		doc:     cloneBytes(snap.Document),
		players: snap.Players,
		status:  store.StatusRunning,
		created: s.clock().UTC(),
	}
	return nil
}

func (s *Store) LoadLatest(ctx context.Context, gameID string) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.games[gameID]
	if !ok || len(versions) == 0 {
		return store.Snapshot{}, errmodel.NotFound("game", "no saves for game "+gameID)
	}
	max := int64(-1)
	for v := range versions {
		if v > max {
			max = v
		}
	}
	return s.snapshotLocked(gameID, max), nil
}

func (s *Store) LoadVersion(ctx context.Context, gameID string, version int64) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.games[gameID][version]; !ok {
		return store.Snapshot{}, errmodel.NotFound("version", "no such version for game "+gameID)
	}
	return s.snapshotLocked(gameID, version), nil
}

func (s *Store) LoadOrigin(ctx context.Context, gameID string) (store.Snapshot, error) {
	return s.LoadVersion(ctx, gameID, 0)
}

func (s *Store) ListVersions(ctx context.Context, gameID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.games[gameID]))
	for v := range s.games[gameID] {
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) ListActiveGames(ctx context.Context) ([]store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Snapshot
	for id, versions := range s.games {
		if len(versions) == 0 {
			continue
		}
		max := int64(-1)
		for v := range versions {
			if v > max {
				max = v
			}
		}
		if versions[max].status != store.StatusRunning {
			continue
		}
		out = append(out, s.snapshotLocked(id, max))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].GameID < out[j].GameID
	})
	return out, nil
}

func (s *Store) PlayerCountAt(ctx context.Context, gameID string, version int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.games[gameID][version]
	if !ok {
		return 0, errmodel.NotFound("version", "no such version for game "+gameID)
	}
	return r.players, nil
}

// participantDoc is the slice of the opaque document the participant
// lookup is allowed to see (the documented collaborator contract).
type participantDoc struct {
	Players []struct {
		ID string `json:"id"`
	} `json:"players"`
	SpectatorID string `json:"spectatorId"`
}

func (s *Store) ResolveByParticipant(ctx context.Context, key string) (string, error) {
	kind, err := s.keys.Classify(key)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, versions := range s.games {
		origin, ok := versions[0]
		if !ok {
			continue
		}
		var doc participantDoc
		if err := json.Unmarshal(origin.doc, &doc); err != nil {
			// Documents that do not expose the participant fields simply
			// never match, same as the SQL json queries.
			continue
		}
		switch kind {
		case store.KindPlayer:
			for _, p := range doc.Players {
				if p.ID == key {
					return id, nil
				}
			}
		case store.KindSpectator:
			if doc.SpectatorID == key {
				return id, nil
			}
		}
	}
	return "", errmodel.NotFound("participant", "no origin snapshot references key "+key)
}

func (s *Store) CleanSaves(ctx context.Context, gameID string) error {
	s.mu.Lock()
	versions := s.games[gameID]
	if len(versions) == 0 {
		s.mu.Unlock()
		return errmodel.Invariant("CleanSaves", "game "+gameID+" has no saves recorded")
	}
	max := int64(-1)
	for v := range versions {
		if v > max {
			max = v
		}
	}
	for v := range versions {
		if v > 0 && v < max {
			delete(versions, v)
		}
	}
	for _, r := range versions {
		r.status = store.StatusFinished
	}
	days := s.days
	s.mu.Unlock()

	_, err := s.PurgeOlderThan(ctx, days)
	return err
}

func (s *Store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.clock().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, versions := range s.games {
		for v, r := range versions {
			if r.created.Before(cutoff) {
				delete(versions, v)
				purged++
			}
		}
		if len(versions) == 0 {
			delete(s.games, id)
		}
	}
	return purged, nil
}

func (s *Store) DeleteRecentVersions(ctx context.Context, gameID string, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.games[gameID]
	order := make([]int64, 0, len(versions))
	for v := range versions {
		order = append(order, v)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] > order[j] })
	for i := 0; i < n && i < len(order); i++ {
		delete(versions, order[i])
	}
	if len(versions) == 0 {
		delete(s.games, gameID)
	}
	return nil
}

func (s *Store) RecordResult(ctx context.Context, res store.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[res.GameID]; ok {
		return errmodel.Query("RecordResult", errors.New("result already recorded for game "+res.GameID))
	}
	res.Options = cloneBytes(res.Options)
	res.Scores = append([]store.PlayerScore(nil), res.Scores...)
	s.results[res.GameID] = res
	return nil
}

// Result returns the recorded summary for a game, for tests and tooling.
func (s *Store) Result(gameID string) (store.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[gameID]
	return res, ok
}

func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows, docBytes int64
	for _, versions := range s.games {
		rows += int64(len(versions))
		for _, r := range versions {
			docBytes += int64(len(r.doc))
		}
	}
	return map[string]any{
		"backend":         "memory",
		"rows_games":      rows,
		"rows_results":    int64(len(s.results)),
		"bytes_documents": docBytes,
	}, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// snapshotLocked assembles the public Snapshot for a row; callers hold
// at least the read lock.
func (s *Store) snapshotLocked(gameID string, version int64) store.Snapshot {
	r := s.games[gameID][version]
	return store.Snapshot{
		GameID:    gameID,
		Version:   version,
		Document:  cloneBytes(r.doc),
		Players:   r.players,
		Status:    r.status,
		CreatedAt: r.created,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
