package segment

// LogEntryType tags each entry appended to a segment. The type occupies the
// low six bits of the entry header byte, so at most 64 types exist.
type LogEntryType uint8

const (
	EntryInvalid LogEntryType = iota
	EntrySegmentHeader
	EntryObject
	EntryObjectTombstone
	EntryLogDigest
	EntrySafeVersion
	EntryTableStats

	// NumEntryTypes bounds the per-type counters kept by a segment.
	NumEntryTypes = 64
)

func (t LogEntryType) String() string {
	switch t {
	case EntryInvalid:
		return "invalid"
	case EntrySegmentHeader:
		return "segment_header"
	case EntryObject:
		return "object"
	case EntryObjectTombstone:
		return "tombstone"
	case EntryLogDigest:
		return "log_digest"
	case EntrySafeVersion:
		return "safe_version"
	case EntryTableStats:
		return "table_stats"
	default:
		return "unknown"
	}
}

// EntryHeader is the single byte preceding every entry. The low six bits hold
// the entry type; the high two bits hold the number of length bytes that
// follow, minus one. The length bytes are little-endian.
type EntryHeader uint8

const entryHeaderSize = 1

func newEntryHeader(typ LogEntryType, length uint32) EntryHeader {
	lengthBytes := uint8(1)
	switch {
	case length >= 1<<24:
		lengthBytes = 4
	case length >= 1<<16:
		lengthBytes = 3
	case length >= 1<<8:
		lengthBytes = 2
	}
	return EntryHeader(uint8(typ)&0x3f | (lengthBytes-1)<<6)
}

// Type returns the entry type encoded in the header.
func (h EntryHeader) Type() LogEntryType {
	return LogEntryType(h & 0x3f)
}

// LengthBytes returns how many bytes encode the entry's length (1 to 4).
func (h EntryHeader) LengthBytes() uint8 {
	return uint8(h>>6) + 1
}

// framedSize returns the total bytes an entry of the given length occupies in
// a segment, including the header and length field.
func framedSize(length uint32) uint32 {
	h := newEntryHeader(EntryInvalid, length)
	return entryHeaderSize + uint32(h.LengthBytes()) + length
}
