package enumeration

import (
	"encoding/binary"
	"sort"

	"github.com/taschik/ramcloud/pkg/metrics"
)

// ObjectRef is an opaque reference to one live object in the hash table.
type ObjectRef uint64

// ObjectMap is the view of the master's hash table the enumerator needs. The
// table must be stable for the duration of one Enumerate call; changes
// between calls are what the iterator stack absorbs.
type ObjectMap interface {
	NumBuckets() uint64
	ForEachInBucket(bucketIndex uint64, fn func(ref ObjectRef))

	// FindBucketIndex places a key hash under an arbitrary bucket count,
	// which must agree with the placement the table used when it actually
	// had that many buckets.
	FindBucketIndex(numBuckets, keyHash uint64) uint64
}

// ObjectLog resolves references to object identity and content.
type ObjectLog interface {
	GetObject(ref ObjectRef) (tableId, keyHash uint64, payload []byte, ok bool)
}

// Enumerator scans one tablet of one table. Objects are appended to the
// payload as a little-endian uint32 length followed by the object bytes.
type Enumerator struct {
	TableId uint64

	// RequestedStartHash is the start of the range the client asked for,
	// which may predate a tablet split.
	RequestedStartHash uint64

	// ActualStartHash and ActualEndHash bound the tablet this master
	// actually owns.
	ActualStartHash uint64
	ActualEndHash   uint64

	Log             ObjectLog
	ObjectMap       ObjectMap
	MaxPayloadBytes uint32
}

// Enumerate performs one batch of the scan. It appends objects to a fresh
// payload, advances iter, and returns the payload along with the key hash
// the client should request next. When the returned nextTabletStartHash
// differs from RequestedStartHash the tablet is exhausted and the client
// should move on (0 means the whole key space wrapped).
func (e *Enumerator) Enumerate(iter *Iterator) (payload []byte, nextTabletStartHash uint64) {
	numBuckets := e.ObjectMap.NumBuckets()

	// A new master, a migrated tablet, or a resized hash table all force a
	// fresh frame with zeroed bucket progress.
	if iter.Size() == 0 ||
		iter.Top().TabletStartHash != e.ActualStartHash ||
		iter.Top().TabletEndHash != e.ActualEndHash ||
		iter.Top().NumBuckets != numBuckets {
		iter.Push(Frame{
			TabletStartHash: e.ActualStartHash,
			TabletEndHash:   e.ActualEndHash,
			NumBuckets:      numBuckets,
		})
	}

	top := iter.Top()
	bucketIndex := top.BucketIndex
	payloadFull := false
	var refs []ObjectRef
	var bucketStart int

	for ; bucketIndex < numBuckets; bucketIndex++ {
		refs = e.collectBucket(iter, bucketIndex)
		bucketStart = len(payload)
		var overflow int
		payload, overflow = e.appendObjects(payload, refs)
		if overflow >= 0 {
			payloadFull = true
			break
		}
	}

	if payloadFull {
		// Drop the partially-emitted bucket; it will be revisited.
		payload = payload[:bucketStart]

		if top.BucketIndex == bucketIndex {
			// Not even one whole bucket fit this call. Sort the bucket by
			// key hash and emit the longest strict prefix that fits, so an
			// oversized bucket still makes forward progress.
			sort.Slice(refs, func(i, j int) bool {
				_, hi, _, _ := e.Log.GetObject(refs[i])
				_, hj, _, _ := e.Log.GetObject(refs[j])
				return hi < hj
			})
			var overflow int
			payload, overflow = e.appendObjects(payload, refs)
			if overflow >= 0 {
				_, nextHash, _, _ := e.Log.GetObject(refs[overflow])
				top.BucketNextHash = nextHash
			} else {
				// Everything fit after all; the bucket is done.
				bucketIndex++
			}
		}
	}

	// bucketIndex now names the next bucket still to be visited. The resume
	// hash only applies inside the bucket the scan stopped in.
	if bucketIndex != top.BucketIndex {
		top.BucketNextHash = 0
	}
	top.BucketIndex = bucketIndex

	nextTabletStartHash = e.RequestedStartHash
	if bucketIndex >= numBuckets && len(payload) == 0 {
		// Tablet exhausted: retire every frame this tablet covered. If this
		// was the last tablet the next start wraps around to zero.
		for iter.Size() > 0 && iter.Top().TabletEndHash <= e.ActualEndHash {
			iter.Pop()
		}
		nextTabletStartHash = e.ActualEndHash + 1
	}

	metrics.EnumerationBatches.Inc()
	return payload, nextTabletStartHash
}

// collectBucket gathers the references in one bucket that still need to be
// returned: in the requested range, owned by this tablet, not already
// covered by an older frame, and, in the bucket the top frame stopped in, at
// or past its resume hash.
func (e *Enumerator) collectBucket(iter *Iterator, bucketIndex uint64) []ObjectRef {
	var out []ObjectRef
	top := iter.Top()
	e.ObjectMap.ForEachInBucket(bucketIndex, func(ref ObjectRef) {
		tableId, keyHash, _, ok := e.Log.GetObject(ref)
		if !ok || tableId != e.TableId {
			return
		}
		if keyHash < e.RequestedStartHash || keyHash > top.TabletEndHash {
			return
		}

		// Objects already returned under an older tablet configuration are
		// filtered by every frame below the top.
		for i := iter.Size() - 2; i >= 0; i-- {
			frame := iter.Get(i)
			if keyHash < frame.TabletStartHash || keyHash > frame.TabletEndHash {
				continue
			}
			idx := e.ObjectMap.FindBucketIndex(frame.NumBuckets, keyHash)
			if idx < frame.BucketIndex ||
				(idx == frame.BucketIndex && keyHash < frame.BucketNextHash) {
				return
			}
		}

		// Resuming inside a large bucket: skip what the previous call sent.
		if bucketIndex == top.BucketIndex && keyHash < top.BucketNextHash {
			return
		}
		out = append(out, ref)
	})
	return out
}

// appendObjects appends objects to payload until the next would overflow
// MaxPayloadBytes. Returns the index of the first object that did not fit,
// or -1 when all fit.
func (e *Enumerator) appendObjects(payload []byte, refs []ObjectRef) ([]byte, int) {
	for i, ref := range refs {
		_, _, obj, ok := e.Log.GetObject(ref)
		if !ok {
			continue
		}
		if uint32(len(payload)+4+len(obj)) > e.MaxPayloadBytes {
			return payload, i
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(obj)))
		payload = append(payload, lenBuf[:]...)
		payload = append(payload, obj...)
		metrics.EnumerationObjects.Inc()
	}
	return payload, -1
}
