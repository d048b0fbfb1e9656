// Package enumeration implements the resumable, hash-table-order scan a
// client uses to read back every object in a tablet, tolerating hash-table
// resizes and tablet migrations between calls.
package enumeration

import (
	"encoding/binary"
	"fmt"
)

// Frame records progress through one tablet configuration. The top frame
// describes the current configuration; older frames are kept so objects
// already returned under a previous configuration are not returned again.
type Frame struct {
	TabletStartHash uint64
	TabletEndHash   uint64
	NumBuckets      uint64
	BucketIndex     uint64
	BucketNextHash  uint64
}

const frameSize = 40

// Iterator is the opaque cursor a client passes back on each enumeration
// call. It is a stack of frames; see Frame.
type Iterator struct {
	frames []Frame
}

func NewIterator() *Iterator {
	return &Iterator{}
}

func (it *Iterator) Size() int {
	return len(it.frames)
}

// Top returns the current frame. Panics on an empty iterator; callers must
// push a frame first.
func (it *Iterator) Top() *Frame {
	return &it.frames[len(it.frames)-1]
}

// Get returns frame i, oldest first.
func (it *Iterator) Get(i int) Frame {
	return it.frames[i]
}

func (it *Iterator) Push(f Frame) {
	it.frames = append(it.frames, f)
}

func (it *Iterator) Pop() {
	it.frames = it.frames[:len(it.frames)-1]
}

// MarshalBinary serializes the iterator for transport back to the client.
// Frames are five little-endian uint64 fields each, oldest first.
func (it *Iterator) MarshalBinary() []byte {
	b := make([]byte, 0, frameSize*len(it.frames))
	var tmp [8]byte
	for _, f := range it.frames {
		for _, v := range []uint64{f.TabletStartHash, f.TabletEndHash, f.NumBuckets, f.BucketIndex, f.BucketNextHash} {
			binary.LittleEndian.PutUint64(tmp[:], v)
			b = append(b, tmp[:]...)
		}
	}
	return b
}

// UnmarshalIterator parses an iterator previously produced by MarshalBinary.
func UnmarshalIterator(b []byte) (*Iterator, error) {
	if len(b)%frameSize != 0 {
		return nil, fmt.Errorf("iterator blob length %d is not a multiple of %d", len(b), frameSize)
	}
	it := NewIterator()
	for off := 0; off < len(b); off += frameSize {
		it.Push(Frame{
			TabletStartHash: binary.LittleEndian.Uint64(b[off:]),
			TabletEndHash:   binary.LittleEndian.Uint64(b[off+8:]),
			NumBuckets:      binary.LittleEndian.Uint64(b[off+16:]),
			BucketIndex:     binary.LittleEndian.Uint64(b[off+24:]),
			BucketNextHash:  binary.LittleEndian.Uint64(b[off+32:]),
		})
	}
	return it, nil
}
