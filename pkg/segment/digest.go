package segment

import (
	"encoding/binary"
	"fmt"
)

// A log digest is appended as the first entry of every new head segment and
// lists every segment id required to reconstruct the log. Recovery refuses to
// proceed unless every id in the chosen digest is covered by some replica.

// MarshalDigest packs segment ids into the digest wire form: a flat sequence
// of little-endian uint64 ids.
func MarshalDigest(segmentIds []uint64) []byte {
	b := make([]byte, 0, 8*len(segmentIds))
	var tmp [8]byte
	for _, id := range segmentIds {
		binary.LittleEndian.PutUint64(tmp[:], id)
		b = append(b, tmp[:]...)
	}
	return b
}

// ParseDigest unpacks a digest entry's payload.
func ParseDigest(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("log digest length %d is not a multiple of 8", len(b))
	}
	ids := make([]uint64, 0, len(b)/8)
	for off := 0; off < len(b); off += 8 {
		ids = append(ids, binary.LittleEndian.Uint64(b[off:off+8]))
	}
	return ids, nil
}
