package segment

import "encoding/binary"

// Entry is one framed record yielded by an Iterator.
type Entry struct {
	Type    LogEntryType
	Offset  uint32
	Payload []byte
}

// Iterator walks a segment's entries in append order. It trusts the framing,
// so callers must verify the segment with CheckMetadataIntegrity first when
// the bytes came from an untrusted source.
type Iterator struct {
	seg    *Segment
	offset uint32
	length uint32
}

// NewIterator iterates the appended portion of seg.
func NewIterator(seg *Segment) *Iterator {
	return &Iterator{seg: seg, length: seg.head}
}

// NewBoundedIterator iterates only entries that start before length, as used
// when replaying a replica up to its certified length.
func NewBoundedIterator(seg *Segment, length uint32) *Iterator {
	if length > seg.head {
		length = seg.head
	}
	return &Iterator{seg: seg, length: length}
}

// Next returns the next entry, or ok=false at the end of the segment.
func (it *Iterator) Next() (Entry, bool) {
	if it.offset >= it.length {
		return Entry{}, false
	}
	header := it.seg.entryHeader(it.offset)

	var lenBuf [4]byte
	n := it.seg.copyOut(it.offset+entryHeaderSize, lenBuf[:header.LengthBytes()])
	if n < int(header.LengthBytes()) {
		return Entry{}, false
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])

	start := it.offset
	payloadOff := it.offset + entryHeaderSize + uint32(header.LengthBytes())
	payload := make([]byte, 0, payloadLen)
	payload, err := it.seg.AppendRange(payload, payloadOff, payloadLen)
	if err != nil {
		return Entry{}, false
	}

	it.offset = payloadOff + payloadLen
	return Entry{Type: header.Type(), Offset: start, Payload: payload}, true
}
