// Package fork clones games from origin snapshots. A game's version 0
// is its complete starting state, so a copy of that row under a fresh
// identifier is a new game at the same starting position; the result
// row's seed_game_id column exists to record this lineage when the
// clone concludes.
package fork

import (
	"context"

	"github.com/google/uuid"

	"github.com/lunarch/savepoint/pkg/store"
)

// From creates a new game whose origin snapshot is a verbatim copy of
// the source game's origin, and returns the new game identifier. The
// document is not rewritten in any way; adjusting player identities in
// the clone is the caller's business. NotFound propagates when the
// source has no origin snapshot.
func From(ctx context.Context, st store.SaveHistory, sourceID string) (string, error) {
	origin, err := st.LoadOrigin(ctx, sourceID)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = st.SaveSnapshot(ctx, store.Snapshot{
		GameID:   id,
		Version:  0,
		Document: origin.Document,
		Players:  origin.Players,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
