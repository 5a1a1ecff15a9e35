package litestore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lunarch/savepoint/pkg/errmodel"
	"github.com/lunarch/savepoint/pkg/store"
)

// openTest opens a named in-memory database so each test gets its own
// schema while connections within the test share state.
func openTest(t *testing.T, name string) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, "sqlite:file:"+name+"?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func save(t *testing.T, st *Store, gameID string, version int64, doc string, players int) {
	t.Helper()
	err := st.SaveSnapshot(context.Background(), store.Snapshot{
		GameID:   gameID,
		Version:  version,
		Document: json.RawMessage(doc),
		Players:  players,
	})
	if err != nil {
		t.Fatalf("save %s v%d: %v", gameID, version, err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	st := openTest(t, "init")
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "saveload")
	save(t, st, "g1", 0, `{"generation":1}`, 3)
	save(t, st, "g1", 1, `{"generation":2}`, 3)
	save(t, st, "g1", 2, `{"generation":3}`, 3)

	latest, err := st.LoadLatest(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 || string(latest.Document) != `{"generation":3}` {
		t.Fatalf("latest = v%d %s", latest.Version, latest.Document)
	}
	if latest.Status != store.StatusRunning || latest.Players != 3 {
		t.Fatalf("latest = %+v", latest)
	}
	if latest.CreatedAt.IsZero() || latest.CreatedAt.Location() != time.UTC {
		t.Fatalf("created = %v, want nonzero UTC", latest.CreatedAt)
	}

	mid, err := st.LoadVersion(ctx, "g1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(mid.Document) != `{"generation":2}` {
		t.Fatalf("v1 = %s", mid.Document)
	}

	origin, err := st.LoadOrigin(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if origin.Version != 0 || string(origin.Document) != `{"generation":1}` {
		t.Fatalf("origin = v%d %s", origin.Version, origin.Document)
	}

	vs, err := st.ListVersions(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 3 || vs[0] != 0 || vs[2] != 2 {
		t.Fatalf("versions = %v", vs)
	}
}

func TestResaveOverwritesDocumentOnly(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "resave")
	save(t, st, "g1", 0, `{"n":1}`, 4)
	save(t, st, "g1", 0, `{"n":2}`, 9)

	snap, err := st.LoadOrigin(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if string(snap.Document) != `{"n":2}` {
		t.Fatalf("document = %s, want overwritten", snap.Document)
	}
	if snap.Players != 4 {
		t.Fatalf("players = %d, want original 4", snap.Players)
	}
	vs, _ := st.ListVersions(ctx, "g1")
	if len(vs) != 1 {
		t.Fatalf("versions = %v, want just v0", vs)
	}
}

func TestLoadUnknownGame(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "unknown")
	if _, err := st.LoadLatest(ctx, "nope"); !errmodel.IsNotFound(err) {
		t.Fatalf("latest: %v", err)
	}
	if _, err := st.LoadVersion(ctx, "nope", 2); !errmodel.IsNotFound(err) {
		t.Fatalf("version: %v", err)
	}
	if _, err := st.PlayerCountAt(ctx, "nope", 0); !errmodel.IsNotFound(err) {
		t.Fatalf("players: %v", err)
	}
	vs, err := st.ListVersions(ctx, "nope")
	if err != nil || len(vs) != 0 {
		t.Fatalf("versions = %v, %v; want empty", vs, err)
	}
}

func TestPlayerCountAt(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "players")
	save(t, st, "g1", 0, `{"big":"document"}`, 5)
	n, err := st.PlayerCountAt(ctx, "g1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("players = %d, want 5", n)
	}
}

func TestListActiveGames(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "active")
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	st.clock = func() time.Time { return now }

	save(t, st, "g-old", 0, `{}`, 2)
	now = now.Add(time.Minute)
	save(t, st, "g-done", 0, `{}`, 2)
	save(t, st, "g-done", 1, `{}`, 2)
	now = now.Add(time.Minute)
	save(t, st, "g-new", 0, `{}`, 2)

	if err := st.CleanSaves(ctx, "g-done"); err != nil {
		t.Fatal(err)
	}

	active, err := st.ListActiveGames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	if active[0].GameID != "g-new" || active[1].GameID != "g-old" {
		t.Fatalf("order = %s, %s; want g-new, g-old", active[0].GameID, active[1].GameID)
	}
}

func TestListActiveGamesIgnoresStaleRunningRow(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "stale")
	save(t, st, "g1", 0, `{}`, 2)
	save(t, st, "g1", 1, `{}`, 2)

	// A crash between delete and mark can leave the highest row finished
	// while an older row still says running. Only the highest row counts.
	if _, err := st.db.ExecContext(ctx,
		`UPDATE games SET status = 'finished' WHERE game_id = 'g1' AND save_id = 1`); err != nil {
		t.Fatal(err)
	}

	active, err := st.ListActiveGames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("active = %v, want none", active)
	}
}

func TestCleanSavesKeepsOriginAndLatest(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "clean")
	for v := int64(0); v <= 3; v++ {
		save(t, st, "g1", v, `{}`, 2)
	}
	if err := st.CleanSaves(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	vs, err := st.ListVersions(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 2 || vs[0] != 0 || vs[1] != 3 {
		t.Fatalf("versions = %v, want [0 3]", vs)
	}
	for _, v := range vs {
		snap, err := st.LoadVersion(ctx, "g1", v)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Status != store.StatusFinished {
			t.Fatalf("v%d status = %s, want finished", v, snap.Status)
		}
	}
}

func TestCleanSavesTwoVersionGame(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "cleantwo")
	save(t, st, "g1", 0, `{"generation":1}`, 2)

	latest, err := st.LoadLatest(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 0 || latest.Players != 2 {
		t.Fatalf("latest = v%d players=%d", latest.Version, latest.Players)
	}

	save(t, st, "g1", 1, `{"generation":2}`, 2)
	vs, err := st.ListVersions(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 2 || vs[0] != 0 || vs[1] != 1 {
		t.Fatalf("versions = %v, want [0 1]", vs)
	}

	// Nothing lies strictly between origin and latest, so the history
	// survives the trim intact; only the status changes.
	if err := st.CleanSaves(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	vs, err = st.ListVersions(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 2 || vs[0] != 0 || vs[1] != 1 {
		t.Fatalf("versions after clean = %v, want [0 1]", vs)
	}
	latest, err = st.LoadLatest(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Status != store.StatusFinished {
		t.Fatalf("status = %s, want finished", latest.Status)
	}
}

func TestCleanSavesOriginOnlyGame(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "cleanorigin")
	save(t, st, "g2", 0, `{}`, 2)
	if err := st.CleanSaves(ctx, "g2"); err != nil {
		t.Fatal(err)
	}
	snap, err := st.LoadOrigin(ctx, "g2")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != store.StatusFinished {
		t.Fatalf("status = %s, want finished", snap.Status)
	}
	vs, _ := st.ListVersions(ctx, "g2")
	if len(vs) != 1 {
		t.Fatalf("versions = %v, want just v0", vs)
	}
}

func TestCleanSavesUnknownGame(t *testing.T) {
	st := openTest(t, "cleanghost")
	err := st.CleanSaves(context.Background(), "ghost")
	if !errmodel.IsInvariant(err) {
		t.Fatalf("err = %v, want invariant violation", err)
	}
}

func TestCleanSavesTriggersPurge(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "cleanpurge")
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st.clock = func() time.Time { return now }

	save(t, st, "g-stale", 0, `{}`, 2)
	now = now.Add(11 * 24 * time.Hour)
	save(t, st, "g-live", 0, `{}`, 2)
	if err := st.CleanSaves(ctx, "g-live"); err != nil {
		t.Fatal(err)
	}

	if _, err := st.LoadLatest(ctx, "g-stale"); !errmodel.IsNotFound(err) {
		t.Fatalf("stale game after sweep: %v, want gone", err)
	}
	if _, err := st.LoadLatest(ctx, "g-live"); err != nil {
		t.Fatalf("live game after sweep: %v", err)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "purge")
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st.clock = func() time.Time { return now }

	save(t, st, "g1", 0, `{}`, 2)
	save(t, st, "g1", 1, `{}`, 2)
	now = now.Add(8 * 24 * time.Hour)
	save(t, st, "g2", 0, `{}`, 2)

	n, err := st.PurgeOlderThan(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("purged = %d, want 2", n)
	}
	if _, err := st.LoadLatest(ctx, "g1"); !errmodel.IsNotFound(err) {
		t.Fatalf("g1 after purge: %v", err)
	}
	if _, err := st.LoadLatest(ctx, "g2"); err != nil {
		t.Fatalf("g2 after purge: %v", err)
	}

	n, err = st.PurgeOlderThan(ctx, 7)
	if err != nil || n != 0 {
		t.Fatalf("second purge = %d, %v; want 0", n, err)
	}
}

func TestDeleteRecentVersions(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "rollback")
	for v := int64(0); v <= 4; v++ {
		save(t, st, "g1", v, `{}`, 2)
	}
	if err := st.DeleteRecentVersions(ctx, "g1", 2); err != nil {
		t.Fatal(err)
	}
	latest, err := st.LoadLatest(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 {
		t.Fatalf("latest = v%d, want v2", latest.Version)
	}

	if err := st.DeleteRecentVersions(ctx, "g1", 0); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteRecentVersions(ctx, "g1", -1); err != nil {
		t.Fatal(err)
	}
	if vs, _ := st.ListVersions(ctx, "g1"); len(vs) != 3 {
		t.Fatalf("versions = %v, want 3 left", vs)
	}

	// More than exist removes everything, the origin included.
	if err := st.DeleteRecentVersions(ctx, "g1", 99); err != nil {
		t.Fatal(err)
	}
	if vs, _ := st.ListVersions(ctx, "g1"); len(vs) != 0 {
		t.Fatalf("versions = %v, want none", vs)
	}
}

func TestResolveByParticipant(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "resolve")
	doc := `{"players":[{"id":"p42","name":"red"},{"id":"p77","name":"blue"}],"spectatorId":"s13"}`
	save(t, st, "g1", 0, doc, 2)
	save(t, st, "g1", 1, `{"players":[{"id":"p99"}]}`, 2)
	save(t, st, "g2", 0, `{"players":[{"id":"p88"}]}`, 1)

	for key, want := range map[string]string{"p42": "g1", "p77": "g1", "s13": "g1", "p88": "g2"} {
		id, err := st.ResolveByParticipant(ctx, key)
		if err != nil {
			t.Fatalf("resolve %s: %v", key, err)
		}
		if id != want {
			t.Fatalf("resolve %s = %s, want %s", key, id, want)
		}
	}

	// p99 only appears in a later version; the lookup reads origins only.
	if _, err := st.ResolveByParticipant(ctx, "p99"); !errmodel.IsNotFound(err) {
		t.Fatalf("non-origin key: %v, want not found", err)
	}
	if _, err := st.ResolveByParticipant(ctx, "x42"); !errmodel.IsKeyFormat(err) {
		t.Fatalf("bad prefix: %v, want key format error", err)
	}
	if _, err := st.ResolveByParticipant(ctx, ""); !errmodel.IsKeyFormat(err) {
		t.Fatalf("empty key: %v, want key format error", err)
	}
}

func TestRecordResultOnce(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "results")
	res := store.Result{
		GameID:      "g1",
		SeedGameID:  "g0",
		Players:     2,
		Generations: 14,
		Options:     json.RawMessage(`{"draft":true}`),
		Scores:      []store.PlayerScore{{Player: "red", Score: 71}, {Player: "blue", Score: 64}},
	}
	if err := st.RecordResult(ctx, res); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordResult(ctx, res); !errmodel.IsCategory(err, errmodel.CategoryBackend) {
		t.Fatalf("duplicate = %v, want backend error", err)
	}

	var seed string
	var scores string
	if err := st.db.QueryRowContext(ctx,
		`SELECT seed_game_id, scores FROM game_results WHERE game_id = 'g1'`).Scan(&seed, &scores); err != nil {
		t.Fatal(err)
	}
	if seed != "g0" {
		t.Fatalf("seed = %s", seed)
	}
	var back []store.PlayerScore
	if err := json.Unmarshal([]byte(scores), &back); err != nil {
		t.Fatal(err)
	}
	if len(back) != 2 || back[0].Player != "red" || back[0].Score != 71 {
		t.Fatalf("scores = %v", back)
	}
}

func TestRecordResultEmptySeedStoresNull(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "resultseed")
	if err := st.RecordResult(ctx, store.Result{GameID: "g1", Players: 1}); err != nil {
		t.Fatal(err)
	}
	var seed *string
	if err := st.db.QueryRowContext(ctx,
		`SELECT seed_game_id FROM game_results WHERE game_id = 'g1'`).Scan(&seed); err != nil {
		t.Fatal(err)
	}
	if seed != nil {
		t.Fatalf("seed = %v, want NULL", *seed)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	st := openTest(t, "stats")
	save(t, st, "g1", 0, `{}`, 2)
	if err := st.RecordResult(ctx, store.Result{GameID: "g1", Players: 2}); err != nil {
		t.Fatal(err)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats["backend"] != "sqlite" {
		t.Fatalf("backend = %v", stats["backend"])
	}
	if stats["rows_games"].(int64) != 1 || stats["rows_results"].(int64) != 1 {
		t.Fatalf("stats = %v", stats)
	}
	if stats["db_size_bytes"].(int64) <= 0 {
		t.Fatalf("db_size_bytes = %v, want positive", stats["db_size_bytes"])
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
