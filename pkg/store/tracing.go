package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Traced wraps a Store so every operation runs inside a span named
// store.<Operation> carrying the game identifier and version where one
// applies. The wrapper is transparent: arguments, results, and errors
// pass through untouched, so it composes with any backend.
func Traced(inner Store) Store {
	return &traced{inner: inner}
}

type traced struct {
	inner Store
}

func start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer("store")
	return tr.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func (t *traced) Initialize(ctx context.Context) error {
	ctx, span := start(ctx, "Initialize")
	err := t.inner.Initialize(ctx)
	end(span, err)
	return err
}

func (t *traced) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	ctx, span := start(ctx, "SaveSnapshot",
		attribute.String("game.id", snap.GameID),
		attribute.Int64("game.version", snap.Version),
	)
	err := t.inner.SaveSnapshot(ctx, snap)
	end(span, err)
	return err
}

func (t *traced) LoadLatest(ctx context.Context, gameID string) (Snapshot, error) {
	ctx, span := start(ctx, "LoadLatest", attribute.String("game.id", gameID))
	snap, err := t.inner.LoadLatest(ctx, gameID)
	end(span, err)
	return snap, err
}

func (t *traced) LoadVersion(ctx context.Context, gameID string, version int64) (Snapshot, error) {
	ctx, span := start(ctx, "LoadVersion",
		attribute.String("game.id", gameID),
		attribute.Int64("game.version", version),
	)
	snap, err := t.inner.LoadVersion(ctx, gameID, version)
	end(span, err)
	return snap, err
}

func (t *traced) LoadOrigin(ctx context.Context, gameID string) (Snapshot, error) {
	ctx, span := start(ctx, "LoadOrigin", attribute.String("game.id", gameID))
	snap, err := t.inner.LoadOrigin(ctx, gameID)
	end(span, err)
	return snap, err
}

func (t *traced) ListVersions(ctx context.Context, gameID string) ([]int64, error) {
	ctx, span := start(ctx, "ListVersions", attribute.String("game.id", gameID))
	vs, err := t.inner.ListVersions(ctx, gameID)
	end(span, err)
	return vs, err
}

func (t *traced) ListActiveGames(ctx context.Context) ([]Snapshot, error) {
	ctx, span := start(ctx, "ListActiveGames")
	snaps, err := t.inner.ListActiveGames(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("games.active", len(snaps)))
	}
	end(span, err)
	return snaps, err
}

func (t *traced) PlayerCountAt(ctx context.Context, gameID string, version int64) (int, error) {
	ctx, span := start(ctx, "PlayerCountAt",
		attribute.String("game.id", gameID),
		attribute.Int64("game.version", version),
	)
	n, err := t.inner.PlayerCountAt(ctx, gameID, version)
	end(span, err)
	return n, err
}

func (t *traced) ResolveByParticipant(ctx context.Context, key string) (string, error) {
	ctx, span := start(ctx, "ResolveByParticipant", attribute.String("participant.key", key))
	id, err := t.inner.ResolveByParticipant(ctx, key)
	end(span, err)
	return id, err
}

func (t *traced) CleanSaves(ctx context.Context, gameID string) error {
	ctx, span := start(ctx, "CleanSaves", attribute.String("game.id", gameID))
	err := t.inner.CleanSaves(ctx, gameID)
	end(span, err)
	return err
}

func (t *traced) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	ctx, span := start(ctx, "PurgeOlderThan", attribute.Int("retention.days", days))
	n, err := t.inner.PurgeOlderThan(ctx, days)
	if err == nil {
		span.SetAttributes(attribute.Int64("retention.purged", n))
	}
	end(span, err)
	return n, err
}

func (t *traced) DeleteRecentVersions(ctx context.Context, gameID string, n int) error {
	ctx, span := start(ctx, "DeleteRecentVersions",
		attribute.String("game.id", gameID),
		attribute.Int("game.versions_to_delete", n),
	)
	err := t.inner.DeleteRecentVersions(ctx, gameID, n)
	end(span, err)
	return err
}

func (t *traced) RecordResult(ctx context.Context, res Result) error {
	ctx, span := start(ctx, "RecordResult", attribute.String("game.id", res.GameID))
	err := t.inner.RecordResult(ctx, res)
	end(span, err)
	return err
}

func (t *traced) Stats(ctx context.Context) (map[string]any, error) {
	ctx, span := start(ctx, "Stats")
	stats, err := t.inner.Stats(ctx)
	end(span, err)
	return stats, err
}

func (t *traced) Ping(ctx context.Context) error {
	ctx, span := start(ctx, "Ping")
	err := t.inner.Ping(ctx)
	end(span, err)
	return err
}

func (t *traced) Close() error { return t.inner.Close() }
