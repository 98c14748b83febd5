package btree

import "encoding/binary"

// The header page (common.HeaderPageID) holds a small directory of
// named root pointers, one per index built over the same buffer pool,
// matching spec.md §4.4.4's "named record" description. Layout:
// [uint16 count] { [uint8 nameLen][name][int64 rootPageID] }*.
func readRootPageID(data []byte, name string) (int64, bool) {
	count := int(binary.BigEndian.Uint16(data[0:2]))
	off := 2
	for i := 0; i < count; i++ {
		nameLen := int(data[off])
		entryName := string(data[off+1 : off+1+nameLen])
		valOff := off + 1 + nameLen
		id := int64(binary.BigEndian.Uint64(data[valOff : valOff+8]))
		if entryName == name {
			return id, true
		}
		off = valOff + 8
	}
	return 0, false
}

func writeRootPageID(data []byte, name string, id int64) {
	count := int(binary.BigEndian.Uint16(data[0:2]))
	off := 2
	for i := 0; i < count; i++ {
		nameLen := int(data[off])
		entryName := string(data[off+1 : off+1+nameLen])
		valOff := off + 1 + nameLen
		if entryName == name {
			binary.BigEndian.PutUint64(data[valOff:valOff+8], uint64(id))
			return
		}
		off = valOff + 8
	}

	data[off] = byte(len(name))
	copy(data[off+1:], name)
	binary.BigEndian.PutUint64(data[off+1+len(name):], uint64(id))
	binary.BigEndian.PutUint16(data[0:2], uint16(count+1))
}
