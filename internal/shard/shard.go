// Package shard maps string keys onto a fixed number of stripes.
package shard

import "hash/fnv"

// ForKey returns the stripe index for key in [0, count).
func ForKey(key string, count int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(count))
}
