// Package store holds the authoritative tile ownership map: point get, point
// put, ascending range scan, and per-country tile counts. The durable
// implementation is Redis; Memory is the in-process accelerator and test
// double.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/valdo404/clickplanet-go/internal/clickpb"
)

// ErrUnavailable reports that the backing store could not serve the request.
// Callers may retry.
var ErrUnavailable = errors.New("ownership store unavailable")

// TileStore is the ownership map. Writes are idempotent on
// (tile_id, country_id, timestamp_ns); a put that is older than the stored
// record must not regress it.
type TileStore interface {
	// GetTile returns the current ownership of a tile, or ok=false when the
	// tile is unowned.
	GetTile(ctx context.Context, tileID int32) (clickpb.Ownership, bool, error)

	// PutTile records a new ownership and maintains the per-country counts
	// with the previous-owner diff.
	PutTile(ctx context.Context, ownership clickpb.Ownership) error

	// Scan visits every owned tile in [startTileID, endTileID) in ascending
	// tile id order. The walk stops at the first error from visit.
	Scan(ctx context.Context, startTileID, endTileID int32, visit func(clickpb.Ownership) error) error

	// CountByCountry returns the number of tiles currently held per country.
	CountByCountry(ctx context.Context) (map[string]uint32, error)
}

// Memory is a sharded in-process TileStore. It backs tests and the read
// accelerator in front of Redis.
type Memory struct {
	shards [memoryShards]memoryShard

	countMu sync.Mutex
	counts  map[string]uint32
}

const memoryShards = 32

type memoryShard struct {
	mu    sync.RWMutex
	tiles map[int32]clickpb.Ownership
}

func NewMemory() *Memory {
	memory := &Memory{counts: make(map[string]uint32)}
	for index := range memory.shards {
		memory.shards[index].tiles = make(map[int32]clickpb.Ownership)
	}
	return memory
}

func (m *Memory) shardFor(tileID int32) *memoryShard {
	return &m.shards[uint32(tileID)%memoryShards]
}

func (m *Memory) GetTile(_ context.Context, tileID int32) (clickpb.Ownership, bool, error) {
	shard := m.shardFor(tileID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ownership, ok := shard.tiles[tileID]
	return ownership, ok, nil
}

func (m *Memory) PutTile(_ context.Context, ownership clickpb.Ownership) error {
	tileID := int32(ownership.TileID)
	shard := m.shardFor(tileID)

	shard.mu.Lock()
	previous, existed := shard.tiles[tileID]
	if existed && ownership.TimestampNs < previous.TimestampNs {
		// Stale replay; the stored record already reflects a later write.
		shard.mu.Unlock()
		return nil
	}
	shard.tiles[tileID] = ownership
	shard.mu.Unlock()

	if existed && previous.CountryID == ownership.CountryID {
		return nil
	}
	m.countMu.Lock()
	if existed {
		if count := m.counts[previous.CountryID]; count <= 1 {
			delete(m.counts, previous.CountryID)
		} else {
			m.counts[previous.CountryID] = count - 1
		}
	}
	m.counts[ownership.CountryID]++
	m.countMu.Unlock()
	return nil
}

func (m *Memory) Scan(_ context.Context, startTileID, endTileID int32, visit func(clickpb.Ownership) error) error {
	collected := make([]clickpb.Ownership, 0, 1024)
	for index := range m.shards {
		shard := &m.shards[index]
		shard.mu.RLock()
		for tileID, ownership := range shard.tiles {
			if tileID >= startTileID && tileID < endTileID {
				collected = append(collected, ownership)
			}
		}
		shard.mu.RUnlock()
	}
	sort.Slice(collected, func(left, right int) bool {
		return collected[left].TileID < collected[right].TileID
	})
	for _, ownership := range collected {
		if err := visit(ownership); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) CountByCountry(_ context.Context) (map[string]uint32, error) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	counts := make(map[string]uint32, len(m.counts))
	for countryID, count := range m.counts {
		counts[countryID] = count
	}
	return counts, nil
}
