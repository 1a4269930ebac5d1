// Package clickpb holds the wire messages exchanged between the click
// pipeline and its clients. Payloads are Protocol Buffers v3; the messages
// are small and fixed, so they are encoded directly with protowire instead
// of carrying generated code.
package clickpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Click is the full record of an accepted click.
type Click struct {
	TileID      int32
	CountryID   string
	TimestampNs uint64
	ClickID     string
}

// ClickRequest asks the coordinator to claim a tile for a country.
type ClickRequest struct {
	TileID    int32
	CountryID string
}

// ClickResponse acknowledges an accepted click.
type ClickResponse struct {
	TimestampNs uint64
	ClickID     string
}

// BatchRequest selects the half-open tile range [StartTileID, EndTileID).
type BatchRequest struct {
	StartTileID int32
	EndTileID   int32
}

// Ownership is the current assignment of one tile.
type Ownership struct {
	TileID      uint32
	CountryID   string
	TimestampNs uint64
}

// OwnershipState is a bulk snapshot of owned tiles.
type OwnershipState struct {
	Ownerships []Ownership
}

// UpdateNotification reports one ownership change. PreviousCountryID is
// empty when the tile was unowned.
type UpdateNotification struct {
	TileID            int32
	CountryID         string
	PreviousCountryID string
}

// LeaderboardEntry is one country's current tile count.
type LeaderboardEntry struct {
	CountryID string
	Score     uint32
}

// LeaderboardResponse lists countries by descending score.
type LeaderboardResponse struct {
	Entries []LeaderboardEntry
}

func (m *Click) Marshal() []byte {
	var buf []byte
	buf = appendInt32(buf, 1, m.TileID)
	buf = appendString(buf, 2, m.CountryID)
	buf = appendUint64(buf, 3, m.TimestampNs)
	buf = appendString(buf, 4, m.ClickID)
	return buf
}

func (m *Click) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			return consumeInt32(typ, value, &m.TileID)
		case 2:
			return consumeString(typ, value, &m.CountryID)
		case 3:
			return consumeUint64(typ, value, &m.TimestampNs)
		case 4:
			return consumeString(typ, value, &m.ClickID)
		}
		return nil
	})
}

func (m *ClickRequest) Marshal() []byte {
	var buf []byte
	buf = appendInt32(buf, 1, m.TileID)
	buf = appendString(buf, 2, m.CountryID)
	return buf
}

func (m *ClickRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			return consumeInt32(typ, value, &m.TileID)
		case 2:
			return consumeString(typ, value, &m.CountryID)
		}
		return nil
	})
}

func (m *ClickResponse) Marshal() []byte {
	var buf []byte
	buf = appendUint64(buf, 1, m.TimestampNs)
	buf = appendString(buf, 2, m.ClickID)
	return buf
}

func (m *ClickResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			return consumeUint64(typ, value, &m.TimestampNs)
		case 2:
			return consumeString(typ, value, &m.ClickID)
		}
		return nil
	})
}

func (m *BatchRequest) Marshal() []byte {
	var buf []byte
	buf = appendInt32(buf, 1, m.StartTileID)
	buf = appendInt32(buf, 2, m.EndTileID)
	return buf
}

func (m *BatchRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			return consumeInt32(typ, value, &m.StartTileID)
		case 2:
			return consumeInt32(typ, value, &m.EndTileID)
		}
		return nil
	})
}

func (m *Ownership) Marshal() []byte {
	var buf []byte
	buf = appendUint32(buf, 1, m.TileID)
	buf = appendString(buf, 2, m.CountryID)
	buf = appendUint64(buf, 3, m.TimestampNs)
	return buf
}

func (m *Ownership) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			return consumeUint32(typ, value, &m.TileID)
		case 2:
			return consumeString(typ, value, &m.CountryID)
		case 3:
			return consumeUint64(typ, value, &m.TimestampNs)
		}
		return nil
	})
}

func (m *OwnershipState) Marshal() []byte {
	var buf []byte
	for index := range m.Ownerships {
		buf = appendMessage(buf, 1, m.Ownerships[index].Marshal())
	}
	return buf
}

func (m *OwnershipState) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != 1 {
			return nil
		}
		if typ != protowire.BytesType {
			return fmt.Errorf("ownership_state: field 1: unexpected wire type %v", typ)
		}
		var ownership Ownership
		if err := ownership.Unmarshal(value); err != nil {
			return err
		}
		m.Ownerships = append(m.Ownerships, ownership)
		return nil
	})
}

func (m *UpdateNotification) Marshal() []byte {
	var buf []byte
	buf = appendInt32(buf, 1, m.TileID)
	buf = appendString(buf, 2, m.CountryID)
	buf = appendString(buf, 3, m.PreviousCountryID)
	return buf
}

func (m *UpdateNotification) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			return consumeInt32(typ, value, &m.TileID)
		case 2:
			return consumeString(typ, value, &m.CountryID)
		case 3:
			return consumeString(typ, value, &m.PreviousCountryID)
		}
		return nil
	})
}

func (m *LeaderboardEntry) Marshal() []byte {
	var buf []byte
	buf = appendString(buf, 1, m.CountryID)
	buf = appendUint32(buf, 2, m.Score)
	return buf
}

func (m *LeaderboardEntry) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			return consumeString(typ, value, &m.CountryID)
		case 2:
			return consumeUint32(typ, value, &m.Score)
		}
		return nil
	})
}

func (m *LeaderboardResponse) Marshal() []byte {
	var buf []byte
	for index := range m.Entries {
		buf = appendMessage(buf, 1, m.Entries[index].Marshal())
	}
	return buf
}

func (m *LeaderboardResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != 1 {
			return nil
		}
		if typ != protowire.BytesType {
			return fmt.Errorf("leaderboard_response: field 1: unexpected wire type %v", typ)
		}
		var entry LeaderboardEntry
		if err := entry.Unmarshal(value); err != nil {
			return err
		}
		m.Entries = append(m.Entries, entry)
		return nil
	})
}

// walkFields iterates every field of a proto3 payload, passing varint values
// as their raw encoded bytes and length-delimited values as their content.
// Unknown fields are skipped, as a generated decoder would.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return protowire.ParseError(tagLen)
		}
		data = data[tagLen:]

		switch typ {
		case protowire.VarintType:
			_, valueLen := protowire.ConsumeVarint(data)
			if valueLen < 0 {
				return protowire.ParseError(valueLen)
			}
			if err := visit(num, typ, data[:valueLen]); err != nil {
				return err
			}
			data = data[valueLen:]
		case protowire.BytesType:
			value, valueLen := protowire.ConsumeBytes(data)
			if valueLen < 0 {
				return protowire.ParseError(valueLen)
			}
			if err := visit(num, typ, value); err != nil {
				return err
			}
			data = data[valueLen:]
		default:
			valueLen := protowire.ConsumeFieldValue(num, typ, data)
			if valueLen < 0 {
				return protowire.ParseError(valueLen)
			}
			data = data[valueLen:]
		}
	}
	return nil
}

func appendInt32(buf []byte, num protowire.Number, value int32) []byte {
	if value == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(int64(value)))
}

func appendUint32(buf []byte, num protowire.Number, value uint32) []byte {
	if value == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(value))
}

func appendUint64(buf []byte, num protowire.Number, value uint64) []byte {
	if value == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, value)
}

func appendString(buf []byte, num protowire.Number, value string) []byte {
	if value == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, value)
}

func appendMessage(buf []byte, num protowire.Number, payload []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, payload)
}

func consumeInt32(typ protowire.Type, value []byte, out *int32) error {
	if typ != protowire.VarintType {
		return fmt.Errorf("expected varint, got wire type %v", typ)
	}
	raw, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return protowire.ParseError(n)
	}
	*out = int32(raw)
	return nil
}

func consumeUint32(typ protowire.Type, value []byte, out *uint32) error {
	if typ != protowire.VarintType {
		return fmt.Errorf("expected varint, got wire type %v", typ)
	}
	raw, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return protowire.ParseError(n)
	}
	*out = uint32(raw)
	return nil
}

func consumeUint64(typ protowire.Type, value []byte, out *uint64) error {
	if typ != protowire.VarintType {
		return fmt.Errorf("expected varint, got wire type %v", typ)
	}
	raw, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return protowire.ParseError(n)
	}
	*out = raw
	return nil
}

func consumeString(typ protowire.Type, value []byte, out *string) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("expected bytes, got wire type %v", typ)
	}
	*out = string(value)
	return nil
}
