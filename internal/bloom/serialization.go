package bloom

import (
	"encoding/binary"
	"fmt"
)

// Serialization format, little-endian:
//
//	magic    uint32  "QBF1"
//	numBits  uint64
//	numHash  uint64
//	count    uint64
//	words    []uint64
const serialMagic = 0x31464251 // "QBF1"

// Serialize encodes the filter for storage in block metadata.
func (f *Filter) Serialize() []byte {
	buf := make([]byte, 4+8+8+8+len(f.bits)*8)
	binary.LittleEndian.PutUint32(buf[0:], serialMagic)
	binary.LittleEndian.PutUint64(buf[4:], f.numBits)
	binary.LittleEndian.PutUint64(buf[12:], f.numHashes)
	binary.LittleEndian.PutUint64(buf[20:], f.count)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[28+i*8:], w)
	}
	return buf
}

// Deserialize decodes a filter produced by Serialize.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("bloom: serialized filter too short (%d bytes)", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:]) != serialMagic {
		return nil, fmt.Errorf("bloom: bad magic in serialized filter")
	}
	numBits := binary.LittleEndian.Uint64(data[4:])
	numHashes := binary.LittleEndian.Uint64(data[12:])
	count := binary.LittleEndian.Uint64(data[20:])

	numWords := int(numBits / 64)
	if len(data) != 28+numWords*8 {
		return nil, fmt.Errorf("bloom: serialized filter length mismatch: have %d want %d",
			len(data), 28+numWords*8)
	}
	if numHashes == 0 || numHashes > 64 {
		return nil, fmt.Errorf("bloom: implausible hash count %d", numHashes)
	}

	f := &Filter{
		bits:      make([]uint64, numWords),
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}
	for i := range f.bits {
		f.bits[i] = binary.LittleEndian.Uint64(data[28+i*8:])
	}
	return f, nil
}
