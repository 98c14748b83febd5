package common

import "bytes"

// Key is the ordering contract every index key in this module satisfies.
// It intentionally mirrors what the teacher repo's B+ tree code already
// assumed of a "common.Key" without ever defining one.
type Key interface {
	Less(other Key) bool
	Equals(other Key) bool
}

// IntKey is a fixed 8-byte signed integer key, the common case exercised
// by every scenario in this module's tests.
type IntKey int64

func (k IntKey) Less(other Key) bool   { return k < other.(IntKey) }
func (k IntKey) Equals(other Key) bool { return k == other.(IntKey) }

// FixedKey is a fixed-width byte-string key, for the 4/16/32/64-byte
// key widths the page header layout parameterizes over (IntKey covers
// the 8-byte case). Shorter operands are treated as less than longer
// ones after the shared prefix compares equal, matching bytes.Compare.
type FixedKey struct {
	Data []byte
}

func NewFixedKey(width int, b []byte) FixedKey {
	buf := make([]byte, width)
	copy(buf, b)
	return FixedKey{Data: buf}
}

func (k FixedKey) Less(other Key) bool {
	return bytes.Compare(k.Data, other.(FixedKey).Data) < 0
}

func (k FixedKey) Equals(other Key) bool {
	return bytes.Equal(k.Data, other.(FixedKey).Data)
}
