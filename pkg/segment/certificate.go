package segment

import (
	"encoding/binary"
	"fmt"
)

// CertificateSize is the serialized size of a Certificate.
const CertificateSize = 8

// Certificate authenticates a segment's metadata stream. A certificate that
// verifies against a byte range proves that iterating the range up to
// SegmentLength reproduces exactly the framing the writer emitted. The
// checksum is CRC-32C over every entry header and length field in order,
// followed by the certificate's own leading bytes (SegmentLength).
type Certificate struct {
	SegmentLength uint32
	Checksum      uint32
}

func (c Certificate) String() string {
	return fmt.Sprintf("<length: %d, checksum: 0x%08x>", c.SegmentLength, c.Checksum)
}

// MarshalBinary serializes the certificate in its fixed little-endian layout.
func (c Certificate) MarshalBinary() []byte {
	b := make([]byte, CertificateSize)
	binary.LittleEndian.PutUint32(b[0:4], c.SegmentLength)
	binary.LittleEndian.PutUint32(b[4:8], c.Checksum)
	return b
}

// UnmarshalCertificate parses a serialized certificate.
func UnmarshalCertificate(b []byte) (Certificate, error) {
	if len(b) < CertificateSize {
		return Certificate{}, fmt.Errorf("certificate too short: %d bytes", len(b))
	}
	return Certificate{
		SegmentLength: binary.LittleEndian.Uint32(b[0:4]),
		Checksum:      binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}
