// File: pool/header.go
// Author: momentics <momentics@gmail.com>
//
// Per-slot header stamped at population time. It lets a device or a core
// dump map raw slot memory back to its pool and index.

package pool

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-reflector/api"
)

const headerMagic uint32 = 0x4d425546 // "MBUF"

// SlotHeader is the decoded form of the first bytes of every slot.
type SlotHeader struct {
	PoolID   uint8
	Index    uint32
	Headroom uint16
	DataRoom uint32
	Stride   uint32
}

// header wire format, little endian:
//
//	0  magic    u32
//	4  pool id  u8
//	5  reserved 3 bytes
//	8  index    u32
//	12 headroom u16
//	14 reserved u16
//	16 dataroom u32
//	20 stride   u32
const headerWireLen = 24

func stampHeader(slot []byte, h SlotHeader) {
	b := slot[:headerWireLen]
	clear(slot[:HeaderSize])
	binary.LittleEndian.PutUint32(b[0:], headerMagic)
	b[4] = h.PoolID
	binary.LittleEndian.PutUint32(b[8:], h.Index)
	binary.LittleEndian.PutUint16(b[12:], h.Headroom)
	binary.LittleEndian.PutUint32(b[16:], h.DataRoom)
	binary.LittleEndian.PutUint32(b[20:], h.Stride)
}

// ReadHeader decodes a slot header. It fails if the slot was never stamped.
func ReadHeader(slot []byte) (SlotHeader, error) {
	if len(slot) < headerWireLen {
		return SlotHeader{}, fmt.Errorf("slot of %d bytes: %w", len(slot), api.ErrInvalidArgument)
	}
	if m := binary.LittleEndian.Uint32(slot); m != headerMagic {
		return SlotHeader{}, fmt.Errorf("bad slot magic %#x: %w", m, api.ErrNotFound)
	}
	return SlotHeader{
		PoolID:   slot[4],
		Index:    binary.LittleEndian.Uint32(slot[8:]),
		Headroom: binary.LittleEndian.Uint16(slot[12:]),
		DataRoom: binary.LittleEndian.Uint32(slot[16:]),
		Stride:   binary.LittleEndian.Uint32(slot[20:]),
	}, nil
}
