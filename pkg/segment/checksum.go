package segment

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Crc32C is a rolling CRC-32C checksum. It is a plain value: copying it
// snapshots the running state, which is how certificates are produced without
// disturbing the segment's own checksum.
type Crc32C struct {
	crc uint32
}

func (c *Crc32C) Update(p []byte) {
	c.crc = crc32.Update(c.crc, castagnoli, p)
}

func (c Crc32C) Result() uint32 {
	return c.crc
}
