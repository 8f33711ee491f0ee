// Package cache provides small in-process caches. The LRU variant is used as
// a bounded snapshot store: eviction is always safe there because anything
// evicted can be rebuilt by a full journal replay.
package cache

// Cache is a key/value cache. Implementations are safe for concurrent use.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any)
	Delete(key string)
}
