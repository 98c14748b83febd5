package btree

import (
	"encoding/binary"

	"relcore/common"
)

// KeySerializer converts between an in-memory common.Key and its
// fixed-width on-page encoding, the way the teacher repo's
// KeySerializer/PersistentKeySerializer pair does. Every key a given
// tree stores must serialize to exactly Size() bytes, since node
// layout math (InsertAt/DeleteAt/Split) assumes a constant slot width.
type KeySerializer interface {
	Serialize(key common.Key) []byte
	Deserialize(data []byte) common.Key
	Size() int
}

// IntKeySerializer handles common.IntKey, an 8-byte big-endian signed
// integer, the key type every literal scenario in this module exercises.
type IntKeySerializer struct{}

func (IntKeySerializer) Serialize(key common.Key) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(key.(common.IntKey)))
	return buf
}

func (IntKeySerializer) Deserialize(data []byte) common.Key {
	return common.IntKey(binary.BigEndian.Uint64(data[:8]))
}

func (IntKeySerializer) Size() int { return 8 }

// FixedKeySerializer handles common.FixedKey for an arbitrary
// configured width.
type FixedKeySerializer struct {
	Width int
}

func (s FixedKeySerializer) Serialize(key common.Key) []byte {
	buf := make([]byte, s.Width)
	copy(buf, key.(common.FixedKey).Data)
	return buf
}

func (s FixedKeySerializer) Deserialize(data []byte) common.Key {
	return common.NewFixedKey(s.Width, data[:s.Width])
}

func (s FixedKeySerializer) Size() int { return s.Width }
