// Package coord implements the click coordinator: it validates a click,
// resolves the previous owner, writes the new ownership, and publishes the
// resulting update.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/valdo404/clickplanet-go/internal/bus"
	"github.com/valdo404/clickplanet-go/internal/clickpb"
	"github.com/valdo404/clickplanet-go/internal/store"
)

// ErrInvalidArgument rejects malformed country codes and out-of-range tiles.
// Not retriable.
var ErrInvalidArgument = errors.New("invalid argument")

const tileStripes = 64

// Coordinator is stateless per request apart from the stripe locks that
// serialize same-tile clicks within this instance, keeping store write order
// and bus publish order consistent.
type Coordinator struct {
	store   store.TileStore
	bus     bus.Bus
	maxTile int32

	stripes [tileStripes]sync.Mutex

	// publishFailures counts writes whose update could not be published.
	// The ownership change is real; listeners catch up from the durable
	// stream or the next snapshot.
	publishFailures atomic.Uint64

	// now is swappable in tests.
	now func() uint64
}

func New(tileStore store.TileStore, clickBus bus.Bus, maxTile int32) *Coordinator {
	return &Coordinator{
		store:   tileStore,
		bus:     clickBus,
		maxTile: maxTile,
		now:     func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

// Click processes one claim. A click on a tile already owned by the
// requested country is accepted but suppressed: the response carries the
// stored timestamp and an empty click id, and nothing is published.
func (c *Coordinator) Click(ctx context.Context, request clickpb.ClickRequest) (clickpb.ClickResponse, error) {
	countryID, err := NormalizeCountryID(request.CountryID)
	if err != nil {
		return clickpb.ClickResponse{}, err
	}
	if request.TileID < 0 || request.TileID >= c.maxTile {
		return clickpb.ClickResponse{}, fmt.Errorf("%w: tile_id %d outside [0,%d)", ErrInvalidArgument, request.TileID, c.maxTile)
	}

	stripe := &c.stripes[uint32(request.TileID)%tileStripes]
	stripe.Lock()
	defer stripe.Unlock()

	previous, owned, err := c.store.GetTile(ctx, request.TileID)
	if err != nil {
		return clickpb.ClickResponse{}, err
	}
	previousCountry := ""
	if owned {
		previousCountry = previous.CountryID
	}

	if previousCountry == countryID {
		return clickpb.ClickResponse{TimestampNs: previous.TimestampNs, ClickID: ""}, nil
	}

	timestamp := c.now()
	if owned && timestamp <= previous.TimestampNs {
		// Clock regressed; keep per-tile timestamps monotone.
		timestamp = previous.TimestampNs + 1
	}
	clickID := uuid.NewString()

	if err := c.store.PutTile(ctx, clickpb.Ownership{
		TileID:      uint32(request.TileID),
		CountryID:   countryID,
		TimestampNs: timestamp,
	}); err != nil {
		return clickpb.ClickResponse{}, err
	}

	if err := c.bus.Publish(ctx, clickpb.UpdateNotification{
		TileID:            request.TileID,
		CountryID:         countryID,
		PreviousCountryID: previousCountry,
	}); err != nil {
		// The write committed; the caller still gets its ack.
		c.publishFailures.Add(1)
		log.Printf("coordinator: partial commit on tile %d: %v", request.TileID, err)
	}

	return clickpb.ClickResponse{TimestampNs: timestamp, ClickID: clickID}, nil
}

// PublishFailures reports how many committed writes lost their notification.
func (c *Coordinator) PublishFailures() uint64 {
	return c.publishFailures.Load()
}

// NormalizeCountryID lowercases a two-letter ISO-3166 alpha-2 code and
// rejects anything else.
func NormalizeCountryID(raw string) (string, error) {
	if len(raw) != 2 {
		return "", fmt.Errorf("%w: country_id %q must be 2 letters", ErrInvalidArgument, raw)
	}
	normalized := make([]byte, 2)
	for index := 0; index < 2; index++ {
		ch := raw[index]
		switch {
		case ch >= 'a' && ch <= 'z':
			normalized[index] = ch
		case ch >= 'A' && ch <= 'Z':
			normalized[index] = ch - 'A' + 'a'
		default:
			return "", fmt.Errorf("%w: country_id %q must be ASCII letters", ErrInvalidArgument, raw)
		}
	}
	return string(normalized), nil
}
