// Package query serves bulk ownership snapshots and the per-country
// leaderboard on top of the ownership store.
package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valdo404/clickplanet-go/internal/clickpb"
	"github.com/valdo404/clickplanet-go/internal/coord"
	"github.com/valdo404/clickplanet-go/internal/store"
)

// DefaultLeaderboardTTL bounds leaderboard staleness; the answer is
// consistent with a snapshot at most this old, not linearizable with
// concurrent clicks.
const DefaultLeaderboardTTL = 2 * time.Second

// Engine answers batch, full-dump, and leaderboard queries.
type Engine struct {
	store    store.TileStore
	maxTile  int32
	maxBatch int32

	leaderboardTTL time.Duration

	mu          sync.Mutex
	cached      clickpb.LeaderboardResponse
	cachedAt    time.Time
	cacheFilled bool
}

func New(tileStore store.TileStore, maxTile, maxBatch int32) *Engine {
	return &Engine{
		store:          tileStore,
		maxTile:        maxTile,
		maxBatch:       maxBatch,
		leaderboardTTL: DefaultLeaderboardTTL,
	}
}

// OwnershipsByBatch returns every owned tile in [start, end). The range width
// is capped at the configured batch maximum.
func (e *Engine) OwnershipsByBatch(ctx context.Context, request clickpb.BatchRequest) (clickpb.OwnershipState, error) {
	start, end := request.StartTileID, request.EndTileID
	if start < 0 || end < start {
		return clickpb.OwnershipState{}, fmt.Errorf("%w: batch range [%d,%d)", coord.ErrInvalidArgument, start, end)
	}
	if end-start > e.maxBatch {
		return clickpb.OwnershipState{}, fmt.Errorf("%w: batch width %d exceeds maximum %d",
			coord.ErrInvalidArgument, end-start, e.maxBatch)
	}
	if end > e.maxTile {
		end = e.maxTile
	}
	return e.collect(ctx, start, end)
}

// OwnershipsAll is the legacy full dump over the whole tile domain.
func (e *Engine) OwnershipsAll(ctx context.Context) (clickpb.OwnershipState, error) {
	return e.collect(ctx, 0, e.maxTile)
}

func (e *Engine) collect(ctx context.Context, start, end int32) (clickpb.OwnershipState, error) {
	state := clickpb.OwnershipState{}
	err := e.store.Scan(ctx, start, end, func(ownership clickpb.Ownership) error {
		state.Ownerships = append(state.Ownerships, ownership)
		return nil
	})
	if err != nil {
		return clickpb.OwnershipState{}, err
	}
	return state, nil
}

// Leaderboard lists every country holding at least one tile, by descending
// score, ties broken by ascending country id. Results are cached for the
// freshness window.
func (e *Engine) Leaderboard(ctx context.Context) (clickpb.LeaderboardResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cacheFilled && time.Since(e.cachedAt) < e.leaderboardTTL {
		return e.cached, nil
	}

	counts, err := e.store.CountByCountry(ctx)
	if err != nil {
		return clickpb.LeaderboardResponse{}, err
	}

	response := clickpb.LeaderboardResponse{Entries: make([]clickpb.LeaderboardEntry, 0, len(counts))}
	for countryID, score := range counts {
		if score == 0 {
			continue
		}
		response.Entries = append(response.Entries, clickpb.LeaderboardEntry{CountryID: countryID, Score: score})
	}
	sort.Slice(response.Entries, func(left, right int) bool {
		if response.Entries[left].Score != response.Entries[right].Score {
			return response.Entries[left].Score > response.Entries[right].Score
		}
		return response.Entries[left].CountryID < response.Entries[right].CountryID
	})

	e.cached = response
	e.cachedAt = time.Now()
	e.cacheFilled = true
	return response, nil
}

// SetLeaderboardTTL overrides the freshness window; tests use zero to force
// recomputation.
func (e *Engine) SetLeaderboardTTL(ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaderboardTTL = ttl
	e.cacheFilled = false
}
