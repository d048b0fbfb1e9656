package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/taschik/ramcloud/util"
)

// DefaultSegmentSize is the capacity of a segment built by NewSegment.
const DefaultSegmentSize = 8 * 1024 * 1024

// Segment is an append-only log of typed entries stored across fixed-size
// seglets. Entry payloads are opaque; the segment checksums only its own
// framing metadata (entry headers and length fields), and the certificate
// emitted by AppendedLength authenticates exactly that framing.
//
// Appends are not internally synchronized; concurrent appenders must be
// serialized by the caller. A closed segment is immutable and may be read
// from many goroutines.
type Segment struct {
	segletSize int
	seglets    []*Seglet
	blocks     [][]byte
	closed     bool
	head       uint32
	checksum   Crc32C

	entryCounts  [NumEntryTypes]uint32
	entryLengths [NumEntryTypes]uint32
}

// NewSegment builds a segment over a single DefaultSegmentSize heap buffer.
// Useful for temporary segments moved between servers.
func NewSegment() *Segment {
	return &Segment{
		segletSize: DefaultSegmentSize,
		blocks:     [][]byte{make([]byte, DefaultSegmentSize)},
	}
}

// NewSegmentWithSeglets builds an appendable segment over allocator-owned
// seglets. The seglets become exclusively owned by the segment; all must be
// the same power-of-two size.
func NewSegmentWithSeglets(seglets []*Seglet) (*Segment, error) {
	if len(seglets) == 0 {
		return nil, fmt.Errorf("segment needs at least one seglet")
	}
	size := seglets[0].Len()
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("seglet size %d is not a power of two", size)
	}
	s := &Segment{
		segletSize: size,
		seglets:    seglets,
		blocks:     make([][]byte, 0, len(seglets)),
	}
	for _, sl := range seglets {
		if sl.Len() != size {
			return nil, fmt.Errorf("seglet size mismatch: %d != %d", sl.Len(), size)
		}
		s.blocks = append(s.blocks, sl.Bytes())
	}
	return s, nil
}

// WrapSegment wraps a previously serialized segment image. The result is
// closed and immutable; it is the form used when iterating over segments
// received from backups or read back from files.
func WrapSegment(buf []byte) *Segment {
	return &Segment{
		segletSize: len(buf),
		blocks:     [][]byte{buf},
		closed:     true,
		head:       uint32(len(buf)),
	}
}

// FreeSeglets returns all attached seglets to their allocator. The segment
// must not be used afterwards.
func (s *Segment) FreeSeglets() {
	for _, sl := range s.seglets {
		sl.Free()
	}
	s.seglets = nil
	s.blocks = nil
}

// HasSpaceFor reports whether entries with the given payload lengths, plus
// their framing overhead, all fit in the remaining capacity. Closed segments
// have no remaining capacity.
func (s *Segment) HasSpaceFor(lengths ...uint32) bool {
	var needed uint32
	for _, l := range lengths {
		needed += framedSize(l)
	}

	var bytesLeft uint32
	if !s.closed {
		capacity := uint32(len(s.blocks) * s.segletSize)
		bytesLeft = capacity - s.head
	}
	return needed <= bytesLeft
}

// Append appends one typed entry. On success the returned offset addresses
// the entry for GetEntry. Returns ok=false without writing anything when the
// segment is closed or lacks space.
func (s *Segment) Append(typ LogEntryType, data []byte) (offset uint32, ok bool) {
	length := uint32(len(data))
	if !s.HasSpaceFor(length) {
		return 0, false
	}

	header := newEntryHeader(typ, length)
	start := s.head

	hdr := [1]byte{byte(header)}
	s.copyIn(s.head, hdr[:])
	s.checksum.Update(hdr[:])
	s.head += entryHeaderSize

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], length)
	s.copyIn(s.head, lenBuf[:header.LengthBytes()])
	s.checksum.Update(lenBuf[:header.LengthBytes()])
	s.head += uint32(header.LengthBytes())

	s.copyIn(s.head, data)
	s.head += length

	s.entryCounts[typ]++
	s.entryLengths[typ] += framedSize(length)
	return start, true
}

// Close makes the segment permanently immutable. Idempotent. Closure is soft
// state: neither the segment bytes nor the certificate record it.
func (s *Segment) Close() {
	s.closed = true
}

func (s *Segment) Closed() bool {
	return s.closed
}

// GetEntry returns the type and payload of the entry at the given offset.
// The offset must have been returned by a prior Append on this segment (or
// an identical serialized copy); behaviour on any other offset is undefined.
func (s *Segment) GetEntry(offset uint32) (LogEntryType, []byte) {
	header := s.entryHeader(offset)

	var lenBuf [4]byte
	s.copyOut(offset+entryHeaderSize, lenBuf[:header.LengthBytes()])
	length := binary.LittleEndian.Uint32(lenBuf[:])

	payload := make([]byte, 0, length)
	payload, _ = s.AppendRange(payload, offset+entryHeaderSize+uint32(header.LengthBytes()), length)
	return header.Type(), payload
}

// EntryCount returns how many entries of the given type were ever appended.
// There is no notion of dead entries.
func (s *Segment) EntryCount(typ LogEntryType) uint32 {
	return s.entryCounts[typ]
}

// EntryLengths returns the bytes consumed by entries of the given type,
// framing included.
func (s *Segment) EntryLengths(typ LogEntryType) uint32 {
	return s.entryLengths[typ]
}

// AppendedLength returns the total bytes appended so far along with a
// certificate authenticating the segment's metadata up to that length. The
// certificate is a snapshot; later appends do not invalidate the copy.
func (s *Segment) AppendedLength() (uint32, Certificate) {
	cert := Certificate{SegmentLength: s.head}
	sum := s.checksum
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], cert.SegmentLength)
	sum.Update(prefix[:])
	cert.Checksum = sum.Result()
	return s.head, cert
}

// CheckMetadataIntegrity re-walks the entry framing from offset zero and
// compares the recomputed checksum against the certificate. Payload bytes are
// not covered; entries wanting content integrity must carry their own
// checksums.
func (s *Segment) CheckMetadataIntegrity(cert Certificate) bool {
	var offset uint32
	var sum Crc32C
	capacity := uint32(len(s.blocks) * s.segletSize)

	for offset < cert.SegmentLength && len(s.peek(offset)) > 0 {
		hdr := [1]byte{s.peek(offset)[0]}
		sum.Update(hdr[:])
		header := EntryHeader(hdr[0])

		var lenBuf [4]byte
		n := s.copyOut(offset+entryHeaderSize, lenBuf[:header.LengthBytes()])
		if n < int(header.LengthBytes()) {
			util.Warn("segment corrupt: length field runs off allocated space at offset %d", offset)
			return false
		}
		sum.Update(lenBuf[:header.LengthBytes()])
		length := binary.LittleEndian.Uint32(lenBuf[:])

		offset += entryHeaderSize + uint32(header.LengthBytes()) + length
		if offset > capacity {
			util.Warn("segment corrupt: entries run off past allocated segment size "+
				"(capacity %d, next entry would have started at %d)", capacity, offset)
			return false
		}
	}

	if offset > cert.SegmentLength {
		util.Warn("segment corrupt: entries run off past expected length "+
			"(expected %d, next entry would have started at %d)", cert.SegmentLength, offset)
		return false
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], cert.SegmentLength)
	sum.Update(prefix[:])

	if cert.Checksum != sum.Result() {
		util.Warn("segment corrupt: bad checksum (expected 0x%08x, was 0x%08x)",
			cert.Checksum, sum.Result())
		return false
	}
	return true
}

// AppendRange appends length bytes of segment content starting at offset to
// dst, gathering across seglet boundaries. The range must lie entirely within
// the appended portion of the segment.
func (s *Segment) AppendRange(dst []byte, offset, length uint32) ([]byte, error) {
	if offset+length > s.head {
		return dst, fmt.Errorf("invalid length (%d) and/or offset (%d): segment has %d appended bytes",
			length, offset, s.head)
	}
	for length > 0 {
		b := s.peek(offset)
		if len(b) == 0 {
			break
		}
		n := uint32(len(b))
		if n > length {
			n = length
		}
		dst = append(dst, b[:n]...)
		offset += n
		length -= n
	}
	if length != 0 {
		return dst, fmt.Errorf("segment range ends before %d requested bytes", length)
	}
	return dst, nil
}

// AppendAll appends the entire appended contents to dst, as done when
// transferring a segment over the network.
func (s *Segment) AppendAll(dst []byte) ([]byte, uint32) {
	out, _ := s.AppendRange(dst, 0, s.head)
	return out, s.head
}

// SegletsAllocated returns the number of storage blocks backing the segment.
func (s *Segment) SegletsAllocated() int {
	return len(s.blocks)
}

// SegletsInUse returns how many seglets prior appends have touched. Only
// whole seglets past the head are unused.
func (s *Segment) SegletsInUse() int {
	if s.segletSize == 0 {
		return 0
	}
	return (int(s.head) + s.segletSize - 1) / s.segletSize
}

// FreeUnusedSeglets releases count seglets from the tail of a closed segment
// back to their allocator. Refuses when the segment is still open, is not
// seglet-backed, or count exceeds the seglets never appended to.
func (s *Segment) FreeUnusedSeglets(count int) bool {
	if !s.closed || len(s.seglets) == 0 {
		return false
	}
	unused := len(s.seglets) - s.SegletsInUse()
	if count > unused {
		return false
	}
	for i := 0; i < count; i++ {
		last := len(s.seglets) - 1
		s.seglets[last].Free()
		s.seglets = s.seglets[:last]
		s.blocks = s.blocks[:len(s.blocks)-1]
	}
	return true
}

// peek returns the contiguous bytes available at offset within one seglet.
// Empty when offset is beyond the allocated capacity.
func (s *Segment) peek(offset uint32) []byte {
	if s.segletSize == 0 {
		return nil
	}
	idx := int(offset) / s.segletSize
	if idx >= len(s.blocks) {
		return nil
	}
	off := int(offset) % s.segletSize
	blk := s.blocks[idx]
	if off >= len(blk) {
		return nil
	}
	return blk[off:]
}

func (s *Segment) copyIn(offset uint32, p []byte) int {
	copied := 0
	for len(p) > 0 {
		b := s.peek(offset)
		if len(b) == 0 {
			break
		}
		n := copy(b, p)
		p = p[n:]
		offset += uint32(n)
		copied += n
	}
	return copied
}

func (s *Segment) copyOut(offset uint32, dst []byte) int {
	copied := 0
	for len(dst) > 0 {
		b := s.peek(offset)
		if len(b) == 0 {
			break
		}
		n := copy(dst, b)
		dst = dst[n:]
		offset += uint32(n)
		copied += n
	}
	return copied
}

// entryHeader reads the one-byte header at offset. The header never spans
// seglets because it is a single byte.
func (s *Segment) entryHeader(offset uint32) EntryHeader {
	b := s.peek(offset)
	if len(b) == 0 {
		return EntryHeader(0)
	}
	return EntryHeader(b[0])
}
