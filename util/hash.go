package util

import "hash/fnv"

// HashKey returns the 64-bit FNV-1a hash of an object key. Key hashes
// determine which tablet owns an object and where it lands in the hash table.
func HashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}
