package query

import (
	"context"
	"errors"
	"testing"

	"github.com/valdo404/clickplanet-go/internal/clickpb"
	"github.com/valdo404/clickplanet-go/internal/coord"
	"github.com/valdo404/clickplanet-go/internal/store"
)

const (
	testMaxTile  = 100000
	testMaxBatch = 10000
)

func seededEngine(t *testing.T, tiles map[uint32]string) (*Engine, *store.Memory) {
	t.Helper()
	tileStore := store.NewMemory()
	ctx := context.Background()
	ts := uint64(1)
	for tileID, countryID := range tiles {
		if err := tileStore.PutTile(ctx, clickpb.Ownership{TileID: tileID, CountryID: countryID, TimestampNs: ts}); err != nil {
			t.Fatalf("seed put failed: %v", err)
		}
		ts++
	}
	engine := New(tileStore, testMaxTile, testMaxBatch)
	engine.SetLeaderboardTTL(0)
	return engine, tileStore
}

func TestBatchReturnsHalfOpenRange(t *testing.T) {
	engine, _ := seededEngine(t, map[uint32]string{
		1336: "de",
		1337: "fr",
		1338: "jp",
	})

	state, err := engine.OwnershipsByBatch(context.Background(), clickpb.BatchRequest{StartTileID: 1337, EndTileID: 1338})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(state.Ownerships) != 1 {
		t.Fatalf("expected exactly tile 1337, got %#v", state.Ownerships)
	}
	if state.Ownerships[0].TileID != 1337 || state.Ownerships[0].CountryID != "fr" {
		t.Fatalf("unexpected ownership: %#v", state.Ownerships[0])
	}
}

func TestBatchRejectsOversizedAndInvertedRanges(t *testing.T) {
	engine, _ := seededEngine(t, nil)
	ctx := context.Background()

	if _, err := engine.OwnershipsByBatch(ctx, clickpb.BatchRequest{StartTileID: 0, EndTileID: 1000000}); !errors.Is(err, coord.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for oversized batch, got %v", err)
	}
	if _, err := engine.OwnershipsByBatch(ctx, clickpb.BatchRequest{StartTileID: 10, EndTileID: 5}); !errors.Is(err, coord.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for inverted range, got %v", err)
	}
	if _, err := engine.OwnershipsByBatch(ctx, clickpb.BatchRequest{StartTileID: -5, EndTileID: 5}); !errors.Is(err, coord.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for negative start, got %v", err)
	}
}

func TestBatchPartitionUnionEqualsFullDump(t *testing.T) {
	tiles := map[uint32]string{}
	for tileID := uint32(0); tileID < 90; tileID += 3 {
		country := "fr"
		if tileID%2 == 0 {
			country = "de"
		}
		tiles[tileID] = country
	}
	engine, _ := seededEngine(t, tiles)
	ctx := context.Background()

	full, err := engine.OwnershipsAll(ctx)
	if err != nil {
		t.Fatalf("full dump failed: %v", err)
	}

	var union []clickpb.Ownership
	for start := int32(0); start < 100; start += 7 {
		state, err := engine.OwnershipsByBatch(ctx, clickpb.BatchRequest{StartTileID: start, EndTileID: start + 7})
		if err != nil {
			t.Fatalf("batch [%d,%d) failed: %v", start, start+7, err)
		}
		union = append(union, state.Ownerships...)
	}

	if len(union) != len(full.Ownerships) {
		t.Fatalf("partition union has %d tiles, full dump %d", len(union), len(full.Ownerships))
	}
	for index := range union {
		if union[index] != full.Ownerships[index] {
			t.Fatalf("mismatch at %d: %#v != %#v", index, union[index], full.Ownerships[index])
		}
	}
}

func TestLeaderboardOrderingAndSum(t *testing.T) {
	tiles := map[uint32]string{}
	for tileID := uint32(0); tileID < 5; tileID++ {
		tiles[tileID] = "fr"
	}
	for tileID := uint32(10); tileID < 15; tileID++ {
		tiles[tileID] = "de"
	}
	for tileID := uint32(20); tileID < 22; tileID++ {
		tiles[tileID] = "jp"
	}
	engine, _ := seededEngine(t, tiles)

	response, err := engine.Leaderboard(context.Background())
	if err != nil {
		t.Fatalf("leaderboard failed: %v", err)
	}
	if len(response.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %#v", response.Entries)
	}

	// de and fr tie at 5; ascending country id breaks the tie.
	if response.Entries[0].CountryID != "de" || response.Entries[1].CountryID != "fr" || response.Entries[2].CountryID != "jp" {
		t.Fatalf("unexpected ordering: %#v", response.Entries)
	}

	total := uint32(0)
	for _, entry := range response.Entries {
		total += entry.Score
	}
	if total != uint32(len(tiles)) {
		t.Fatalf("score sum %d != owned tiles %d", total, len(tiles))
	}
}

func TestLeaderboardReflectsOverwrites(t *testing.T) {
	engine, tileStore := seededEngine(t, map[uint32]string{1: "fr", 2: "fr"})
	ctx := context.Background()

	if err := tileStore.PutTile(ctx, clickpb.Ownership{TileID: 1, CountryID: "de", TimestampNs: 100}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	response, err := engine.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("leaderboard failed: %v", err)
	}
	scores := map[string]uint32{}
	for _, entry := range response.Entries {
		scores[entry.CountryID] = entry.Score
	}
	if scores["fr"] != 1 || scores["de"] != 1 {
		t.Fatalf("expected fr=1 de=1 after overwrite, got %#v", scores)
	}
}
