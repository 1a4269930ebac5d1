package store

import (
	"context"
	"fmt"

	"github.com/valdo404/clickplanet-go/internal/clickpb"
)

// Mirror layers an in-process copy of the ownership map over a durable store.
// Reads, scans, and counts are served from memory; every put goes to the
// durable store first and to the mirror only after the durable write
// succeeded, so a crash in between degrades to store-only state, never to a
// mirror entry the store does not have.
type Mirror struct {
	durable TileStore
	memory  *Memory
}

func NewMirror(durable TileStore) *Mirror {
	return &Mirror{durable: durable, memory: NewMemory()}
}

// Rebuild populates the mirror with a full scan of the durable store. The
// server must not advertise readiness before this returns.
func (m *Mirror) Rebuild(ctx context.Context, maxTileID int32) (int, error) {
	loaded := 0
	err := m.durable.Scan(ctx, 0, maxTileID, func(ownership clickpb.Ownership) error {
		loaded++
		return m.memory.PutTile(ctx, ownership)
	})
	if err != nil {
		return loaded, fmt.Errorf("rebuild mirror: %w", err)
	}
	return loaded, nil
}

func (m *Mirror) GetTile(ctx context.Context, tileID int32) (clickpb.Ownership, bool, error) {
	return m.memory.GetTile(ctx, tileID)
}

func (m *Mirror) PutTile(ctx context.Context, ownership clickpb.Ownership) error {
	if err := m.durable.PutTile(ctx, ownership); err != nil {
		return err
	}
	return m.memory.PutTile(ctx, ownership)
}

func (m *Mirror) Scan(ctx context.Context, startTileID, endTileID int32, visit func(clickpb.Ownership) error) error {
	return m.memory.Scan(ctx, startTileID, endTileID, visit)
}

func (m *Mirror) CountByCountry(ctx context.Context) (map[string]uint32, error) {
	return m.memory.CountByCountry(ctx)
}
