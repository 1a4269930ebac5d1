package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/valdo404/clickplanet-go/internal/clickpb"
)

const (
	ownershipKeyPrefix = "ownership:"
	countKeyPrefix     = "country_count:"
	tileMetaKey        = "tile_meta"

	scanChunkTiles = 1000
)

// putScript installs the new ownership and applies the previous-owner diff to
// the country counts in one round trip. The tile_meta hash keeps a
// "country:timestamp" entry per tile so the script can compare without
// decoding protobuf; a replay older than the stored record is a no-op.
var putScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[2], ARGV[2])
local prevCountry = nil
if prev then
  local sep = string.find(prev, ':', 1, true)
  prevCountry = string.sub(prev, 1, sep - 1)
  local prevTs = tonumber(string.sub(prev, sep + 1))
  if prevTs and prevTs > tonumber(ARGV[4]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3] .. ':' .. ARGV[4])
if prevCountry == ARGV[3] then
  return 1
end
if prevCountry then
  if redis.call('DECRBY', ARGV[5] .. prevCountry, 1) <= 0 then
    redis.call('DEL', ARGV[5] .. prevCountry)
  end
end
redis.call('INCRBY', ARGV[5] .. ARGV[3], 1)
return 1
`)

// Redis is the durable TileStore. One ownership:<tile_id> key per tile holds
// the protobuf-encoded Ownership payload.
type Redis struct {
	client *redis.Client
}

// RedisConfig bounds the connection pool; exhausted pools queue up to the
// caller deadline, then fail.
type RedisConfig struct {
	URL      string
	PoolSize int
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	options, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		options.PoolSize = cfg.PoolSize
	}
	return &Redis{client: redis.NewClient(options)}, nil
}

func ownershipKey(tileID int32) string {
	return ownershipKeyPrefix + strconv.FormatInt(int64(tileID), 10)
}

func (r *Redis) GetTile(ctx context.Context, tileID int32) (clickpb.Ownership, bool, error) {
	payload, err := r.client.Get(ctx, ownershipKey(tileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return clickpb.Ownership{}, false, nil
	}
	if err != nil {
		return clickpb.Ownership{}, false, fmt.Errorf("%w: get tile %d: %v", ErrUnavailable, tileID, err)
	}

	var ownership clickpb.Ownership
	if err := ownership.Unmarshal(payload); err != nil {
		return clickpb.Ownership{}, false, fmt.Errorf("decode tile %d: %w", tileID, err)
	}
	return ownership, true, nil
}

func (r *Redis) PutTile(ctx context.Context, ownership clickpb.Ownership) error {
	tileID := int32(ownership.TileID)
	err := putScript.Run(ctx, r.client,
		[]string{ownershipKey(tileID), tileMetaKey},
		ownership.Marshal(),
		strconv.FormatInt(int64(tileID), 10),
		ownership.CountryID,
		strconv.FormatUint(ownership.TimestampNs, 10),
		countKeyPrefix,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: put tile %d: %v", ErrUnavailable, tileID, err)
	}
	return nil
}

func (r *Redis) Scan(ctx context.Context, startTileID, endTileID int32, visit func(clickpb.Ownership) error) error {
	for chunkStart := startTileID; chunkStart < endTileID; chunkStart += scanChunkTiles {
		chunkEnd := chunkStart + scanChunkTiles
		if chunkEnd > endTileID {
			chunkEnd = endTileID
		}

		keys := make([]string, 0, chunkEnd-chunkStart)
		for tileID := chunkStart; tileID < chunkEnd; tileID++ {
			keys = append(keys, ownershipKey(tileID))
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("%w: scan [%d,%d): %v", ErrUnavailable, chunkStart, chunkEnd, err)
		}

		for index, value := range values {
			if value == nil {
				continue
			}
			payload, ok := value.(string)
			if !ok {
				continue
			}
			var ownership clickpb.Ownership
			if err := ownership.Unmarshal([]byte(payload)); err != nil {
				return fmt.Errorf("decode tile %d: %w", chunkStart+int32(index), err)
			}
			if err := visit(ownership); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Redis) CountByCountry(ctx context.Context) (map[string]uint32, error) {
	counts := make(map[string]uint32)
	iter := r.client.Scan(ctx, 0, countKeyPrefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := r.client.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: count %s: %v", ErrUnavailable, key, err)
		}
		if value > 0 {
			counts[key[len(countKeyPrefix):]] = uint32(value)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: count scan: %v", ErrUnavailable, err)
	}
	return counts, nil
}

// Ping reports backing-store reachability; wiring uses it before advertising
// readiness.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}
